package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/ai"
	"github.com/JakeFAU/relist/internal/api"
	"github.com/JakeFAU/relist/internal/automation/chromedp"
	"github.com/JakeFAU/relist/internal/category"
	"github.com/JakeFAU/relist/internal/clock/system"
	"github.com/JakeFAU/relist/internal/collect"
	"github.com/JakeFAU/relist/internal/dispatcher"
	"github.com/JakeFAU/relist/internal/id/uuid"
	"github.com/JakeFAU/relist/internal/images"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/moderation"
	"github.com/JakeFAU/relist/internal/orchestrator"
	"github.com/JakeFAU/relist/internal/policy/ratelimit"
	"github.com/JakeFAU/relist/internal/pricing"
	memorypublisher "github.com/JakeFAU/relist/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/relist/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/relist/internal/queue/memory"
	redisqueue "github.com/JakeFAU/relist/internal/queue/redis"
	"github.com/JakeFAU/relist/internal/remote"
	gcsstorage "github.com/JakeFAU/relist/internal/storage/gcs"
	localstorage "github.com/JakeFAU/relist/internal/storage/local"
	memorystorage "github.com/JakeFAU/relist/internal/storage/memory"
	pgstore "github.com/JakeFAU/relist/internal/storage/postgres"
	"github.com/JakeFAU/relist/internal/taxonomy"
	"github.com/JakeFAU/relist/internal/worker"
)

const draftIDPrefix = "drf_"

var errAutomationDisabled = errors.New("marketplace automation is disabled (automation.enabled=false)")

func setupStores(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory stores")
		app.drafts = memorystorage.NewDraftStore()
		app.moderation = memorystorage.NewModerationStore()
		app.providers = memorystorage.NewProviderStore(app.cfg.AI.Providers...)
		return nil
	}
	var err error
	app.pool, err = pgstore.Connect(ctx, app.cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err := pgstore.Migrate(ctx, app.pool); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	app.drafts = pgstore.NewDraftStore(app.pool)
	app.moderation = pgstore.NewModerationStore(app.pool)
	app.providers = pgstore.NewProviderStore(app.pool)
	app.logger.Info("postgres stores initialized")
	return seedProviders(ctx, app.providers, app.cfg.AI.Providers, app.logger)
}

// seedProviders copies configured providers into an empty store. Once the
// store holds anything, the API owns the provider list.
func seedProviders(ctx context.Context, store listing.ProviderStore, seed []listing.ProviderConfig, logger *zap.Logger) error {
	if len(seed) == 0 {
		return nil
	}
	existing, err := store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	if len(existing) > 0 {
		logger.Debug("provider store already populated, skipping seed", zap.Int("providers", len(existing)))
		return nil
	}
	for _, p := range seed {
		if err := store.UpsertProvider(ctx, p); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
	}
	logger.Info("seeded AI providers from config", zap.Int("providers", len(seed)))
	return nil
}

func setupQueues(ctx context.Context, app *App) error {
	if app.cfg.Redis.Addr == "" {
		app.logger.Info("using in-memory job queues")
		keys := memqueue.NewKeys()
		app.collectQueue = memqueue.NewQueue(app.cfg.Queue.Capacity, keys)
		app.publishQueue = memqueue.NewQueue(app.cfg.Queue.Capacity, keys)
		return nil
	}
	var err error
	app.redis, err = redisqueue.Connect(ctx, app.cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	names := []string{string(listing.JobCollect), string(listing.JobPublish)}
	for _, name := range names {
		q, err := redisqueue.New(app.redis, redisqueue.Config{
			Prefix:       app.cfg.Redis.Prefix,
			Name:         name,
			PollInterval: app.cfg.Queue.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("redis queue %s: %w", name, err)
		}
		app.durable = append(app.durable, q)
	}
	app.collectQueue, app.publishQueue = app.durable[0], app.durable[1]
	app.logger.Info("using redis job queues", zap.String("prefix", app.cfg.Redis.Prefix))
	return nil
}

func setupBlobs(ctx context.Context, app *App) (listing.BlobStore, error) {
	switch app.cfg.Blob.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, app.cfg.Blob.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobs.CheckBucket(ctx); err != nil {
			app.logger.Warn("gcs bucket check failed", zap.String("bucket", app.cfg.Blob.GCS.Bucket), zap.Error(err))
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Blob.Local.BaseDir))
		blobs, err := localstorage.New(app.cfg.Blob.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (listing.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient, app.logger.Named("pubsub"))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.Orchestrator.EventsTopic),
	)
	return app.pubsubPublisher, nil
}

func setupPipeline(app *App, blobs listing.BlobStore, events listing.Publisher) error {
	cfg := app.cfg
	logger := app.logger
	clock := system.New()

	limiter := ratelimit.New(cfg.RateLimit)
	rc, err := remote.NewClient(cfg.Remote, limiter, logger.Named("remote"))
	if err != nil {
		return fmt.Errorf("remote client init failed: %w", err)
	}

	aiClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	aiExec := ai.NewExecutor(app.providers, aiClient, ai.Config{
		Timeout:     cfg.AI.Timeout,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, logger)

	arena, err := taxonomy.LoadFile(cfg.Taxonomy.Path)
	if err != nil {
		return fmt.Errorf("taxonomy load failed: %w", err)
	}
	logger.Info("taxonomy loaded", zap.Int("nodes", arena.Len()), zap.String("path", cfg.Taxonomy.Path))

	matcher := category.NewMatcher(aiExec, arena, category.Config{
		Hints:         cfg.Taxonomy.Hints,
		MaxCandidates: cfg.Taxonomy.MaxCandidates,
	}, logger)
	prices := pricing.NewEngine(remote.NewCompetitors(rc), pricing.Config{
		Threshold: cfg.Pricing.Threshold,
	}, logger)
	pipeline := images.NewPipeline(remote.NewMarketplace(rc), remote.NewCleaner(rc), blobs, images.Config{
		Threshold:        cfg.Images.Threshold,
		RelaxedThreshold: cfg.Images.RelaxedThreshold,
		MinImages:        cfg.Images.MinImages,
		MaxImages:        cfg.Images.MaxImages,
	}, logger)

	var exec listing.AutomationExecutor = offlineExecutor{}
	if cfg.Automation.Enabled {
		app.automation, err = chromedp.New(cfg.Automation.Config, limiter, aiExec, logger)
		if err != nil {
			return fmt.Errorf("automation init failed: %w", err)
		}
		exec = app.automation
		logger.Info("using chromedp automation", zap.String("console", cfg.Automation.ConsoleURL))
	} else {
		logger.Warn("automation disabled, submissions will fail")
	}

	machine := moderation.NewMachine(app.moderation, app.drafts, exec, events, clock, moderation.Config{
		PollInterval: cfg.Moderation.PollInterval,
		MaxPolls:     cfg.Moderation.MaxPolls,
		Topic:        cfg.Orchestrator.EventsTopic,
	}, logger)

	// Validate already rejected unknown strategies.
	strategy, _ := pricing.ParseStrategy(cfg.Pricing.Strategy)

	mux := worker.NewMux()
	policy := worker.NewExponentialRetryPolicy(cfg.Queue.MaxAttempts, cfg.Queue.BaseDelay, cfg.Queue.MaxDelay)
	app.dispatch = dispatcher.New(app.collectQueue, app.publishQueue, mux, policy, clock, dispatcher.Config{
		CollectWorkers: cfg.Queue.CollectWorkers,
		PublishWorkers: cfg.Queue.PublishWorkers,
		Worker:         worker.Config{JobTimeout: cfg.Queue.JobTimeout},
	}, logger.Named("dispatcher"))

	app.orchestrator = orchestrator.New(orchestrator.Deps{
		Drafts:     app.drafts,
		Categories: matcher,
		Prices:     prices,
		Images:     pipeline,
		Risk:       aiExec,
		Lifecycle:  machine,
		Executor:   exec,
		Enqueuer:   app.dispatch,
		Events:     events,
		Clock:      clock,
	}, orchestrator.Config{
		TrackModeration:       cfg.Moderation.Track,
		MinCategoryConfidence: cfg.Orchestrator.MinCategoryConfidence,
		WarnCategoryBelow:     cfg.Orchestrator.WarnCategoryBelow,
		HoldRisk:              cfg.HoldRisk(),
		Rules:                 cfg.Orchestrator.Rules,
		Strategy:              strategy,
		Topic:                 cfg.Orchestrator.EventsTopic,
	}, logger)

	collector := collect.New(app.drafts, remote.NewScraper(rc), logger)
	mux.Register(listing.JobCollect, collector)
	mux.Register(listing.JobPublish, app.orchestrator)
	mux.Register(listing.JobModerationPoll, app.orchestrator)

	var keys []string
	if cfg.API.Auth.Enabled {
		keys = cfg.API.Auth.APIKeys
	}
	app.apiServer = api.NewServer(api.Deps{
		Drafts:     app.drafts,
		Moderation: app.moderation,
		Providers:  app.providers,
		Enqueuer:   app.dispatch,
		Publisher:  app.orchestrator,
		IDs:        uuid.New(draftIDPrefix),
		Clock:      clock,
	}, api.Config{
		APIKeys:        keys,
		RequestTimeout: cfg.Queue.JobTimeout,
	}, logger)
	return nil
}

// offlineExecutor stands in for the browser when automation is off. Its
// errors are permanent so affected drafts fail at once with a clear reason.
type offlineExecutor struct{}

func (offlineExecutor) SubmitListing(context.Context, listing.ListingFields) (listing.SubmitResult, error) {
	return listing.SubmitResult{}, worker.Permanent(errAutomationDisabled)
}

func (offlineExecutor) CheckModerationStatus(context.Context, string) (listing.ModerationStatus, error) {
	return "", worker.Permanent(errAutomationDisabled)
}
