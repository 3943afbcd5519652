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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/config"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/gateway"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/logging"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	redisclient "github.com/Sudo-psc/saraiva-vision-scheduling/internal/redis"
)

const drainQueue = "outbox"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env, "delivery-worker")
	logger.Info().
		Str("env", cfg.Env).
		Str("mode", cfg.WorkerMode).
		Dur("interval", cfg.WorkerInterval).
		Msg("delivery-worker starting up")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("delivery-worker stopped")
	}
	logger.Info().Msg("delivery-worker shut down")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:  cfg.GatewayBaseURL,
		APIToken: cfg.GatewayAPIToken,
		From:     cfg.GatewayFrom,
		Timeout:  cfg.SendTimeout,
		RPS:      cfg.GatewayRPS,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	senders := gateway.NewRegistry().Register(client, cfg.GatewayChannels...)
	logger.Info().Strs("channels", senders.Channels()).Msg("gateway channels registered")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	worker := outbox.NewWorker(outbox.NewPgStore(pgPool), senders, logger).
		WithBackoff(outbox.NewBackoff(cfg.OutboxBaseDelay, cfg.OutboxMaxDelay)).
		WithLease(cfg.OutboxLease).
		WithSendTimeout(cfg.SendTimeout).
		WithBatchSize(cfg.OutboxBatchSize).
		WithMetrics(metrics.New(reg))

	// Redis is optional in ticker mode; without it drains run unlocked.
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisURL)
	if err != nil {
		if cfg.WorkerMode == "asynq" {
			return fmt.Errorf("redis connection: %w", err)
		}
		logger.Warn().Err(err).Msg("redis unavailable, draining without the lock")
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		worker.WithLocker(redisclient.NewRedisLocker(rdb, cfg.OutboxLease))
		logger.Info().Msg("connected to Redis")
	}

	var asynqOpt asynq.RedisClientOpt
	if cfg.WorkerMode == "asynq" {
		if asynqOpt, err = redisclient.AsynqClientOpt(cfg.RedisURL); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(rootCtx)

	if cfg.WorkerMetricsAddr != "" {
		serveMetrics(gctx, g, cfg.WorkerMetricsAddr, reg, logger)
	}

	switch cfg.WorkerMode {
	case "asynq":
		runAsynq(gctx, g, asynqOpt, cfg, worker, logger)
	default:
		listener, err := outbox.NewListener(cfg.PostgresDSN, cfg.OutboxNotifyChannel, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("outbox notifications unavailable, polling only")
		} else {
			worker.WithWake(listener.Wake())
			g.Go(func() error { return listener.Start(gctx) })
		}
		g.Go(func() error { return worker.Run(gctx, cfg.WorkerInterval) })
	}

	return g.Wait()
}

// runAsynq drives drains from an asynq periodic task instead of a local
// ticker, so several worker replicas share one schedule.
func runAsynq(ctx context.Context, g *errgroup.Group, opt asynq.RedisClientOpt, cfg config.Config, worker *outbox.Worker, logger zerolog.Logger) {
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{drainQueue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(outbox.TaskDrain, worker.HandleDrainTask)

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: civiltime.Location()})

	g.Go(func() error {
		task, err := outbox.NewDrainTask(cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		spec := "@every " + cfg.WorkerInterval.String()
		if _, err := scheduler.Register(spec, task,
			asynq.Queue(drainQueue),
			asynq.MaxRetry(0),
			asynq.Timeout(cfg.OutboxLease),
			asynq.Unique(cfg.WorkerInterval),
		); err != nil {
			return fmt.Errorf("register drain schedule: %w", err)
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		if err := server.Start(mux); err != nil {
			scheduler.Shutdown()
			return fmt.Errorf("start asynq server: %w", err)
		}
		logger.Info().Str("schedule", spec).Msg("asynq drain schedule registered")

		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
		return nil
	})
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
