package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/appointment"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/config"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/gateway"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/logging"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

// Area codes of the clinic's catchment region.
var areaCodes = []int{11, 12, 13, 19, 31, 33}

func main() {
	count := flag.Int("patients", 500, "number of fake patients to register")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.Env, "seed")

	schedule, err := clinic.Load(cfg.ClinicConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load clinic schedule")
	}
	for _, p := range schedule.List() {
		logger.Info().Str("professional_id", p.ID.String()).Str("name", p.Name).Msg("professional")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	svc := appointment.NewService(appointment.NewPgRepository(pool), schedule, gateway.NewRegistry(), zerolog.Nop(), appointment.Options{})
	if err := seedPatients(ctx, svc, *count, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	logger.Info().Msg("seed complete")
}

func seedPatients(ctx context.Context, svc *appointment.Service, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	faker := gofakeit.New(0)
	for i := 0; i < count; i++ {
		in := appointment.PatientInput{
			Name:             faker.Name(),
			Phone:            fakeMobile(faker),
			PreferredChannel: outbox.ChannelWhatsApp,
		}
		if faker.Bool() {
			email := faker.Email()
			in.Email = &email
		}
		if faker.Number(0, 4) == 0 {
			in.PreferredChannel = outbox.ChannelSMS
		}
		if _, err := svc.RegisterPatient(ctx, in); err != nil {
			return fmt.Errorf("patient %d: %w", i, err)
		}
		if (i+1)%100 == 0 {
			logger.Info().Int("seeded", i+1).Int("total", count).Msg("progress")
		}
	}
	return nil
}

// fakeMobile returns a Brazilian mobile number in the national format
// patients type into the booking form.
func fakeMobile(f *gofakeit.Faker) string {
	ddd := areaCodes[f.Number(0, len(areaCodes)-1)]
	return fmt.Sprintf("(%d) 9%04d-%04d", ddd, f.Number(6000, 9999), f.Number(0, 9999))
}
