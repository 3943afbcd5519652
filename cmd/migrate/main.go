package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/config"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/logging"
)

func main() {
	steps := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env, "migrate")

	if *steps == 0 {
		if err := db.MigrateUp(cfg.PostgresDSN); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	} else {
		m, err := db.NewMigrator(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open migrator")
		}
		defer func() { _, _ = m.Close() }()
		if err := m.Steps(-*steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal().Err(err).Int("steps", *steps).Msg("rollback failed")
		}
	}

	m, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrator")
	}
	defer func() { _, _ = m.Close() }()
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Fatal().Err(err).Msg("read schema version")
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema is current")
}
