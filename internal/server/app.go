// Package server builds the relist service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/api"
	"github.com/JakeFAU/relist/internal/automation/chromedp"
	"github.com/JakeFAU/relist/internal/config"
	"github.com/JakeFAU/relist/internal/dispatcher"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/logging"
	"github.com/JakeFAU/relist/internal/metrics"
	"github.com/JakeFAU/relist/internal/orchestrator"
	gcppublisher "github.com/JakeFAU/relist/internal/publisher/pubsub"
	redisqueue "github.com/JakeFAU/relist/internal/queue/redis"
	"github.com/JakeFAU/relist/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	drafts     listing.DraftStore
	moderation listing.ModerationStore
	providers  listing.ProviderStore

	orchestrator *orchestrator.Orchestrator
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server

	collectQueue listing.Queue
	publishQueue listing.Queue
	durable      []*redisqueue.Queue

	pool            *pgxpool.Pool
	redis           *goredis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	automation      *chromedp.Executor
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
}

// Uploader is the part of the publish stage driven from the command line.
type Uploader interface {
	UploadBatch(ctx context.Context, drafts []listing.Draft, opts orchestrator.BatchOptions) orchestrator.BatchSummary
	Retry(ctx context.Context, draftID string) error
}

// Build creates the application's dependencies. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitOTLP(ctx, a.cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	a.logger.Info("building application dependencies")
	if err := setupStores(ctx, a); err != nil {
		return err
	}
	if err := setupQueues(ctx, a); err != nil {
		return err
	}
	blobs, err := setupBlobs(ctx, a)
	if err != nil {
		return err
	}
	events, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	return setupPipeline(a, blobs, events)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Drafts returns the draft store.
func (a *App) Drafts() listing.DraftStore { return a.drafts }

// Uploader returns the publish stage.
func (a *App) Uploader() Uploader { return a.orchestrator }

// Durable reports whether jobs survive a process exit.
func (a *App) Durable() bool { return len(a.durable) > 0 }

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run starts the dispatcher and the HTTP server and blocks until the context
// is canceled or a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, q := range a.durable {
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover queue: %w", err)
		}
		if n > 0 {
			a.logger.Info("recovered inflight jobs", zap.Int("count", n))
		}
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Only the first call has an effect.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.collectQueue != nil {
		a.collectQueue.Close()
	}
	if a.publishQueue != nil {
		a.publishQueue.Close()
	}
	if a.automation != nil {
		a.automation.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr on some platforms; nothing useful to do about it.
	_ = a.logger.Sync()
}
