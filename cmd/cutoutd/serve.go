package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lsst-sqre/ivoa-cutout-poc/api"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/engine"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/maintenance"
	"github.com/lsst-sqre/ivoa-cutout-poc/middleware"
	"github.com/lsst-sqre/ivoa-cutout-poc/notify"
	"github.com/lsst-sqre/ivoa-cutout-poc/observability"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/memory"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/postgres"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/sqlite"
	"github.com/lsst-sqre/ivoa-cutout-poc/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cutout service",
	Long: `Runs the HTTP API, the maintenance scheduler, and (when a pixel
backend is configured) the worker pool, until SIGINT or SIGTERM.

Environment variables:

  CUTOUT_LISTEN_ADDR        HTTP listen address (default :8080)
  CUTOUT_LOG_LEVEL          debug | info | warn | error (default info)
  CUTOUT_STORE              memory | sqlite | postgres (default memory)
  CUTOUT_SQLITE_PATH        SQLite database path (default cutout.db)
  CUTOUT_DATABASE_URL       PostgreSQL connection string
  CUTOUT_QUEUE              memory | redis | amqp (default memory)
  CUTOUT_REDIS_ADDR         Redis address (default localhost:6379)
  CUTOUT_AMQP_URL           AMQP connection URL
  CUTOUT_BACKEND_URL        pixel backend base URL; empty disables workers
  CUTOUT_CORS_ORIGINS       comma-separated allowed origins
  CUTOUT_MAX_ATTEMPTS       dispatch attempts per job (default 3)
  CUTOUT_EXECUTION_TIMEOUT  executing-state timeout (default 10m)
  CUTOUT_CONCURRENCY        worker pool size (default 10)
  CUTOUT_DISPATCH_RATE      max executions/second, 0 = unlimited
  CUTOUT_SWEEP_SCHEDULE     cron expression (default @every 30s)
  CUTOUT_PURGE_SCHEDULE     cron expression (default @hourly)
  CUTOUT_RETENTION          job record retention (default 720h)
  CUTOUT_SHUTDOWN_TIMEOUT   graceful shutdown budget (default 30s)

A .env file in the working directory is loaded when present.`,
	RunE: runServe,
}

// datastore is the combined persistence surface the process needs: job
// records and the failed-job archive live in the same backend.
type datastore interface {
	job.Store
	archive.Store
}

func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := loadEnvConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	q, closeQueue, err := buildQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	broker := notify.NewBroker(logger)
	eng, err := engine.New(store, q,
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithArchive(store),
		engine.WithExtension(broker),
		engine.WithExtension(observability.NewMetricsExtension()),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	arc := archive.NewService(store, eng)
	srv := api.New(eng,
		api.WithArchive(arc),
		api.WithEvents(notify.NewWSHandler(broker, logger)),
		api.WithLogger(logger),
		api.WithCORSOrigins(cfg.CORSOrigins),
	)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := maintenance.NewScheduler(eng, store, cfg.Engine,
		maintenance.WithLogger(logger),
		maintenance.WithArchivePurger(store),
	)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	var pool *worker.Pool
	if cfg.BackendURL != "" {
		executor := worker.NewExecutor(eng, worker.NewHTTPCutter(cfg.BackendURL), logger,
			middleware.Recover(logger),
			middleware.Logging(logger),
			middleware.Tracing(),
			middleware.Metrics(),
			middleware.Timeout(cfg.Engine.ExecutionTimeout, logger),
		)
		pool = worker.NewPool(q, executor,
			worker.WithConcurrency(cfg.Engine.Concurrency),
			worker.WithDispatchRate(cfg.Engine.DispatchRate),
			worker.WithPoolLogger(logger),
		)
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	} else {
		logger.Info("no pixel backend configured, worker pool disabled")
	}

	logger.Info("cutoutd listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("store", cfg.Store),
		slog.String("queue", cfg.Queue),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serveErr := httpSrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		if shutErr := httpSrv.Shutdown(shutdownCtx); shutErr != nil {
			logger.Error("http shutdown", slog.String("error", shutErr.Error()))
		}
		if pool != nil {
			if stopErr := pool.Stop(shutdownCtx); stopErr != nil {
				logger.Error("worker pool stop", slog.String("error", stopErr.Error()))
			}
		}
		if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
			logger.Error("maintenance stop", slog.String("error", stopErr.Error()))
		}
		return eng.Close(shutdownCtx)
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg envConfig, logger *slog.Logger) (datastore, func(), error) {
	switch cfg.Store {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func buildQueue(cfg envConfig, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Queue {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		q := queue.NewStreams(client, queue.WithStreamsLogger(logger))
		return q, func() { _ = client.Close() }, nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("amqp channel: %w", err)
		}
		q, err := queue.NewAMQP(ch, queue.WithAMQPLogger(logger))
		if err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
		return q, func() { _ = ch.Close(); _ = conn.Close() }, nil
	default:
		return queue.NewMemory(), func() {}, nil
	}
}
