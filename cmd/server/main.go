// Command server starts the GPU job dispatch HTTP server.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/events"
	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/events/redpanda"
	httpserver "github.com/fairyhunter13/gpu-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/repo/postgres"
	sshadapter "github.com/fairyhunter13/gpu-dispatch/internal/adapter/ssh"
	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/vetter"
	"github.com/fairyhunter13/gpu-dispatch/internal/app"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/service/queue"
	"github.com/fairyhunter13/gpu-dispatch/internal/service/ratelimiter"
	"github.com/fairyhunter13/gpu-dispatch/internal/usecase"
	"github.com/fairyhunter13/gpu-dispatch/internal/worker"
)

// redisPinger adapts *redis.Client to the readiness check interface.
type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	tokenRepo := postgres.NewTokenRepo(pool)
	nodeRepo := postgres.NewNodeStateRepo(pool)

	// Jobs that were pending or running when the previous process died can
	// never finish; fail them before the queues are rebuilt empty.
	if err := app.RecoverInterrupted(ctx, jobRepo, nodeRepo); err != nil {
		slog.Error("interrupted job recovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := nodeRepo.Ensure(ctx, cfg.NumNodes()); err != nil {
		slog.Error("node state setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	qm := queue.NewManager(cfg.NumNodes(), nodeRepo)

	// Per-user rate limiting: Redis-backed when REDIS_URL is set so
	// replicas share one window, in-process otherwise.
	var limiter ratelimiter.Limiter
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		limiter = ratelimiter.NewRedisWindow(rdb, cfg.UserRateLimit, cfg.UserRateWindow)
		slog.Info("rate limiter using redis", slog.Int("limit", cfg.UserRateLimit), slog.Duration("window", cfg.UserRateWindow))
	} else {
		limiter = ratelimiter.NewWindow(cfg.UserRateLimit, cfg.UserRateWindow)
	}

	// Code vetting pipeline (static AST pass + optional LLM judge)
	vetSvc := vetter.New(cfg)

	// Lifecycle event stream (Redpanda/Kafka), optional
	var publisher domain.EventPublisher = events.Noop{}
	if cfg.EventsEnabled() {
		pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		if err != nil {
			slog.Error("event publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				slog.Error("failed to close event publisher", slog.Any("error", err))
			}
		}()
		publisher = pub
	}

	// Remote execution over SSH through the bastion
	factory := sshadapter.NewFactory(cfg)

	// Background loops share one cancellable context so shutdown stops
	// them before the HTTP listener closes.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workers := worker.NewPool(cfg, qm, jobRepo, nodeRepo, factory, publisher)
	workers.Start(workerCtx)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(jobRepo, cfg.JobsDir, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(workerCtx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}
	sweeper := app.NewStuckJobSweeper(jobRepo, cfg.TimeoutMultiplier, cfg.StuckJobGrace, cfg.StuckSweepInterval)
	go sweeper.Run(workerCtx)
	go app.QueueGaugeLoop(workerCtx, qm, 5*time.Second)

	// Usecases
	submitSvc := usecase.NewSubmitService(cfg, jobRepo, qm, vetSvc, limiter, publisher)
	querySvc := usecase.NewQueryService(jobRepo, qm)
	cancelSvc := usecase.NewCancelService(cfg, jobRepo, qm, factory, publisher)
	dashSvc := usecase.NewDashboardService(jobRepo, qm)
	tokenSvc := usecase.NewTokenService(tokenRepo)

	// Readiness checks
	var redisClient app.RedisClient
	if rdb != nil {
		redisClient = redisPinger{rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisClient)

	// HTTP server
	srv := httpserver.NewServer(cfg, submitSvc, querySvc, cancelSvc, dashSvc, tokenSvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.Int("nodes", cfg.NumNodes()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stopWorkers()
	workers.Wait()
}
