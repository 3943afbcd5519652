package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/api"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/appointment"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/config"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/gateway"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/logging"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/ratelimit"
	redisclient "github.com/Sudo-psc/saraiva-vision-scheduling/internal/redis"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env, "api-server")
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api-server stopped")
	}
	logger.Info().Msg("api-server shut down")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedule, err := clinic.Load(cfg.ClinicConfigPath)
	if err != nil {
		return err
	}
	logger.Info().Str("clinic", schedule.Name).Int("professionals", len(schedule.List())).Msg("clinic schedule loaded")

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Redis backs the shared rate limiter; the memory backend runs without it
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisURL)
	if err != nil {
		if cfg.RateLimitBackend == ratelimit.BackendRedis {
			return fmt.Errorf("redis connection: %w", err)
		}
		logger.Warn().Err(err).Msg("redis unavailable, continuing without it")
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clock := clockwork.NewRealClock()

	channels, err := newGateway(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("gateway not configured, confirmations will be refused")
	} else {
		logger.Info().Strs("channels", channels.Channels()).Msg("gateway channels registered")
	}

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), schedule, channels, logger, appointment.Options{
		MinNotice:       cfg.MinNotice,
		MaxRangeDays:    cfg.MaxRangeDays,
		MaxAttempts:     cfg.OutboxMaxAttempts,
		ReminderOffsets: cfg.ReminderOffsets,
		ManageURL:       cfg.ManageURL,
		Clock:           clock,
		Metrics:         m,
	})

	store := outbox.NewPgStore(pgPool)
	processor := webhook.NewProcessor(store, webhook.NewPgApplier(pgPool), logger, webhook.Options{
		Provider:      cfg.WebhookProvider,
		Secrets:       webhook.StaticSecret(cfg.WebhookSecret),
		LookupTimeout: cfg.SecretLookupTimeout,
		Clock:         clock,
		Metrics:       m,
	})

	limiter, err := ratelimit.New(cfg.RateLimitBackend, cfg.RateLimitMaxKeys, rdb, clock)
	if err != nil {
		return err
	}
	bookingGuard := ratelimit.NewGuard(limiter, "booking", cfg.BookingRateLimit, cfg.BookingRateWindow, logger, m)
	webhookGuard := ratelimit.NewGuard(limiter, "webhook", cfg.WebhookRateLimit, cfg.WebhookRateWindow, logger, m)

	var redisPinger api.Pinger
	if rdb != nil {
		redisPinger = pingRedis(rdb)
	}

	handler := api.NewRouter(api.RouterConfig{
		Booking:            svc,
		Receipts:           processor,
		Outbox:             store,
		Health:             api.NewHealthHandler(pgPool, redisPinger, cfg.Env, cfg.Version),
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		BookingLimit:       bookingGuard.Middleware,
		WebhookLimit:       webhookGuard.Middleware,
		SignatureHeader:    cfg.WebhookSignatureHeader,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		RetryAttempts:      cfg.OutboxMaxAttempts,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger,
		Clock:              clock,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newGateway registers the HTTP gateway client for every provisioned
// channel. The registry is returned empty when the client cannot be built.
func newGateway(cfg config.Config, logger zerolog.Logger) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:  cfg.GatewayBaseURL,
		APIToken: cfg.GatewayAPIToken,
		From:     cfg.GatewayFrom,
		Timeout:  cfg.SendTimeout,
		RPS:      cfg.GatewayRPS,
		Logger:   logger,
	})
	if err != nil {
		return registry, err
	}
	return registry.Register(client, cfg.GatewayChannels...), nil
}

func pingRedis(rdb *redis.Client) api.PingFunc {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
