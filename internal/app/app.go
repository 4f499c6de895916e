// Package app builds the long-lived services of a geoscrape process from
// configuration, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/api"
	"github.com/JakeFAU/geoscrape/internal/blob"
	"github.com/JakeFAU/geoscrape/internal/clock/system"
	"github.com/JakeFAU/geoscrape/internal/config"
	"github.com/JakeFAU/geoscrape/internal/dispatch"
	"github.com/JakeFAU/geoscrape/internal/geo"
	"github.com/JakeFAU/geoscrape/internal/hash/sha256"
	"github.com/JakeFAU/geoscrape/internal/id/uuid"
	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/geoscrape/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/geoscrape/internal/publisher/pubsub"
	"github.com/JakeFAU/geoscrape/internal/scraper"
	"github.com/JakeFAU/geoscrape/internal/search/reviews"
	"github.com/JakeFAU/geoscrape/internal/search/yelp"
	"github.com/JakeFAU/geoscrape/internal/storage/gcs"
	"github.com/JakeFAU/geoscrape/internal/storage/local"
	"github.com/JakeFAU/geoscrape/internal/storage/memory"
	"github.com/JakeFAU/geoscrape/internal/storage/postgres"
	"github.com/JakeFAU/geoscrape/internal/storage/sqlite"
	"github.com/JakeFAU/geoscrape/internal/worker"
)

// App holds the shared services of one process. It is built once at start-up
// and closed when the command finishes.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    blob.Store
	results  worker.ResultStore
	notifier jobqueue.Notifier
	topic    string
	feed     *pubmemory.Feed
	matcher  jobqueue.Matcher
	worker   *worker.Worker
	closers  []func() error
}

// New initializes every service selected by cfg and fails fast when one
// cannot be built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	a.logger.Info("initializing application services",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("db", cfg.DB.Driver),
	)

	matcher, err := jobqueue.MatcherByName(cfg.Queue.Match)
	if err != nil {
		return nil, err
	}
	a.matcher = matcher

	if err := a.initStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initResults(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initNotifier(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initWorker(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.logger.Info("application services initialized", zap.Strings("job_types", a.worker.Types()))
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.store = store
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.store = store
	case "memory":
		a.store = memory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initResults(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "postgres":
		store, err := postgres.NewResultStore(ctx, postgres.Config{
			DSN:           a.cfg.DB.DSN,
			BusinessTable: a.cfg.DB.BusinessTable,
			SearchTable:   a.cfg.DB.SearchTable,
			MaxConns:      a.cfg.DB.MaxConns,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.results = store
	case "sqlite":
		store, err := sqlite.Open(ctx, a.cfg.DB.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.results = store
	case "memory":
		a.results = memory.NewResultStore()
	default:
		return fmt.Errorf("unknown db driver %q", a.cfg.DB.Driver)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("pubsub topic not set; announcing enqueued jobs in process",
			zap.String("topic", pubmemory.LocalTopic))
		a.feed = pubmemory.New(pubmemory.DefaultCapacity, a.logger)
		a.notifier = a.feed
		a.topic = pubmemory.LocalTopic
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	publisher := pubsubpublisher.New(client)
	a.closers = append(a.closers, func() error { publisher.Close(); return nil })
	a.notifier = publisher
	a.topic = a.cfg.PubSub.TopicName
	return nil
}

func (a *App) initWorker() error {
	w := worker.New(func() worker.Queue { return a.NewQueue() }, a.logger)
	clock := system.New()

	d, err := dispatch.New(dispatch.Config{
		Endpoint:             a.cfg.Dispatch.Endpoint,
		Concurrency:          a.cfg.Dispatch.Concurrency,
		JitterMax:            a.cfg.Dispatch.JitterMax(),
		MaxAttempts:          a.cfg.Dispatch.MaxAttempts,
		BaseDelay:            a.cfg.Dispatch.BackoffInitial(),
		MaxDelay:             a.cfg.Dispatch.BackoffMax(),
		Timeout:              a.cfg.Dispatch.DispatchTimeout(),
		LegacyUnboundedRetry: a.cfg.Dispatch.LegacyUnboundedRetry,
	}, dispatch.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	w.Register("post", worker.PostHandler{Store: a.store, Dispatcher: d, MaxSize: a.cfg.Dispatch.MaxSize})

	if a.cfg.Search.APIKey == "" {
		a.logger.Warn("search.api_key not set; geo jobs are disabled")
	} else {
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Search.RPS, DefaultBurst: a.cfg.Search.Burst})
		searcher, err := yelp.New(yelp.Config{
			BaseURL:      a.cfg.Search.BaseURL,
			APIKey:       a.cfg.Search.APIKey,
			RadiusMeters: a.cfg.Search.RadiusMeters,
			Limit:        a.cfg.Search.Limit,
			Timeout:      a.cfg.Search.Timeout(),
		}, limiter, clock)
		if err != nil {
			return fmt.Errorf("init search client: %w", err)
		}
		w.Register("geo", worker.GeoHandler{
			Searcher: searcher,
			Results:  a.results,
			Clock:    clock,
			Cities:   geo.CityTable(a.cfg.Geo.Cities),
			Defaults: scraper.GeoConfig{
				MaxRadius:     a.cfg.Geo.Radius,
				ExpectedMax:   a.cfg.Geo.ExpectedMax,
				StopThreshold: a.cfg.Geo.StopThreshold,
				MaxSteps:      a.cfg.Geo.MaxSteps,
			},
		})
	}

	rc := a.cfg.Reviews
	reviewSearcher, err := reviews.New(reviews.Config{
		URLTemplate:    rc.URLTemplate,
		UserAgent:      rc.UserAgent,
		Timeout:        rc.Timeout(),
		ReviewSelector: rc.ReviewSelector,
		AuthorSelector: rc.AuthorSelector,
		RatingSelector: rc.RatingSelector,
		RatingAttr:     rc.RatingAttr,
		TextSelector:   rc.TextSelector,
		DateSelector:   rc.DateSelector,
	}, sha256.New())
	if err != nil {
		return fmt.Errorf("init review searcher: %w", err)
	}
	w.Register("reviews", worker.ReviewsHandler{
		Store:        a.store,
		Searcher:     reviewSearcher,
		OutputPrefix: rc.OutputPrefix,
		FollowUpType: rc.FollowUpType,
	})

	a.worker = w
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the blob store holding jobs and assets.
func (a *App) Store() blob.Store { return a.store }

// Worker returns the worker with every available handler registered.
func (a *App) Worker() *worker.Worker { return a.worker }

// NewQueue opens a fresh queue session.
func (a *App) NewQueue() *jobqueue.Session {
	return jobqueue.New(a.store, jobqueue.Options{
		Prefix:           a.cfg.Queue.Prefix,
		Suffix:           a.cfg.Queue.Suffix,
		DeadLetterPrefix: a.cfg.Queue.DeadLetterPrefix,
		ScratchDir:       a.cfg.Queue.ScratchDir,
		Matcher:          a.matcher,
		Notifier:         a.notifier,
		Topic:            a.topic,
		IDs:              uuid.New(),
		Logger:           a.logger,
	})
}

// WorkerTypes returns the configured job types that have a handler.
func (a *App) WorkerTypes() []string {
	registered := make(map[string]bool)
	for _, t := range a.worker.Types() {
		registered[t] = true
	}
	var out []string
	for _, t := range a.cfg.Worker.Types {
		t = strings.ToLower(strings.TrimSpace(t))
		if registered[t] {
			out = append(out, t)
			continue
		}
		a.logger.Warn("skipping job type without a handler", zap.String("job_type", t))
	}
	return out
}

// Announcements returns up to n in-process job announcements, newest first.
// It returns nil when announcements go to Pub/Sub.
func (a *App) Announcements(n int) []pubmemory.Announcement {
	if a.feed == nil {
		return nil
	}
	return a.feed.Recent(a.topic, n)
}

// Server builds the operator HTTP server.
func (a *App) Server() *api.Server {
	var opts []api.Option
	if a.feed != nil {
		opts = append(opts, api.WithAnnouncements(a.Announcements))
	}
	return api.NewServer(func() api.Queue { return a.NewQueue() }, a.Ready, a.logger, opts...)
}

// Ready checks that the job prefix of the blob store can be listed.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.store.Find(ctx, a.cfg.Queue.Prefix, a.cfg.Queue.Suffix); err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	return nil
}

// Close releases clients in reverse order of creation and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}
