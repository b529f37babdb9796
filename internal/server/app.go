// Package server builds the warehouse components from configuration and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-warehouse/internal/api"
	"github.com/JakeFAU/listing-warehouse/internal/bronze"
	"github.com/JakeFAU/listing-warehouse/internal/clock/system"
	"github.com/JakeFAU/listing-warehouse/internal/config"
	"github.com/JakeFAU/listing-warehouse/internal/discovery"
	collyfetcher "github.com/JakeFAU/listing-warehouse/internal/fetcher/colly"
	"github.com/JakeFAU/listing-warehouse/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/listing-warehouse/internal/fetcher/headless"
	"github.com/JakeFAU/listing-warehouse/internal/gold"
	"github.com/JakeFAU/listing-warehouse/internal/hash/sha256"
	"github.com/JakeFAU/listing-warehouse/internal/id/uuid"
	"github.com/JakeFAU/listing-warehouse/internal/parser/listing"
	"github.com/JakeFAU/listing-warehouse/internal/pipeline"
	"github.com/JakeFAU/listing-warehouse/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/listing-warehouse/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-warehouse/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-warehouse/internal/quality"
	"github.com/JakeFAU/listing-warehouse/internal/queue"
	"github.com/JakeFAU/listing-warehouse/internal/silver"
	gcsstorage "github.com/JakeFAU/listing-warehouse/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-warehouse/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-warehouse/internal/storage/memory"
	miniostorage "github.com/JakeFAU/listing-warehouse/internal/storage/minio"
	pgstore "github.com/JakeFAU/listing-warehouse/internal/storage/postgres"
	"github.com/JakeFAU/listing-warehouse/internal/views"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// App holds the long-lived warehouse components.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db            *pgxpool.Pool
	storageClient *storage.Client
	pubsubClient  *pubsub.Client
	gcpPublisher  *gcppublisher.Publisher
	headless      *headlessfetcher.Fetcher

	Queue      *queue.Manager
	Raw        *bronze.Store
	Normalizer *silver.Normalizer
	Views      *silver.ViewsEnricher
	Gold       *gold.Builder
	Quality    *quality.Checker
	Discovery  *discovery.Discoverer
	Pool       *pipeline.Pool
	Replayer   *pipeline.Replayer
	API        *api.Server
}

type stores struct {
	queue   warehouse.QueueStore
	raw     warehouse.RawRepository
	silver  warehouse.SilverStore
	gold    warehouse.GoldStore
	quality warehouse.QualityStore
}

// Build wires every component from cfg. Close releases what Build opened, also on error paths.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := app.Close(context.Background()); closeErr != nil {
				logger.Warn("cleanup after failed build", zap.Error(closeErr))
			}
		}
	}()

	loc := cfg.Location()
	clock := system.New(loc)
	hasher := sha256.New()
	logger.Info("building warehouse",
		zap.String("site", cfg.Site.BaseURL),
		zap.String("time_zone", loc.String()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	st, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.Queue, err = queue.NewManager(st.queue, clock, uuid.New(), queue.Config{
		BaseURL:           cfg.Site.BaseURL,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		ParseFailureLimit: cfg.Queue.ParseFailureLimit,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
		ClaimTTL:          cfg.Queue.ClaimTTL,
		BatchSize:         cfg.Queue.BatchSize,
		RevisitAfter:      cfg.Queue.RevisitAfter,
	}, logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("queue manager init failed: %w", err)
	}

	app.Raw, err = bronze.New(blobs, st.raw, hasher, publisher, bronze.Config{
		Prefix: cfg.Storage.Prefix,
		Topic:  cfg.PubSub.TopicName,
	}, logger.Named("bronze"))
	if err != nil {
		return nil, fmt.Errorf("raw store init failed: %w", err)
	}

	app.Normalizer, err = silver.NewNormalizer(st.silver, hasher, loc, logger.Named("silver"))
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}

	app.Gold, err = gold.NewBuilder(st.silver, st.gold, clock, loc, gold.Config{
		DaysBack:    cfg.Gold.DaysBack,
		DaysForward: cfg.Gold.DaysForward,
		PageSize:    cfg.Gold.PageSize,
		Concurrency: cfg.Gold.Concurrency,
	}, logger.Named("gold"))
	if err != nil {
		return nil, fmt.Errorf("gold builder init failed: %w", err)
	}

	app.Quality, err = quality.NewChecker(st.quality, clock, loc, cfg.Quality, logger.Named("quality"))
	if err != nil {
		return nil, fmt.Errorf("quality checker init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RatePerSecond,
		DefaultBurst: cfg.Fetch.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		RespectRobots:  cfg.Fetch.RespectRobots,
		Timeout:        cfg.Fetch.Timeout,
	})
	detect := detector.New(detector.Config{RequiredSelectors: cfg.Fetch.RequiredSelectors})
	parser := listing.New(cfg.Site.BaseURL)

	if cfg.Views.Enabled {
		client, viewsErr := views.NewClient(fetcher, limiter, cfg.Site.BaseURL)
		if viewsErr != nil {
			return nil, fmt.Errorf("views client init failed: %w", viewsErr)
		}
		app.Views = silver.NewViewsEnricher(st.silver, client, clock, loc, silver.ViewsConfig{
			ChunkSize: cfg.Views.ChunkSize,
			Limit:     cfg.Views.Limit,
		}, logger.Named("views"))
	}

	app.Discovery, err = discovery.New(fetcher, detect, app.Queue, limiter, discovery.Config{
		BaseURL:    cfg.Site.BaseURL,
		SearchPath: cfg.Discovery.SearchPath,
		StartPage:  cfg.Discovery.StartPage,
		MaxPages:   cfg.Discovery.MaxPages,
	}, logger.Named("discovery"))
	if err != nil {
		return nil, fmt.Errorf("discovery init failed: %w", err)
	}

	deps := pipeline.Deps{
		Queue:      app.Queue,
		Raw:        app.Raw,
		Parser:     parser,
		Normalizer: app.Normalizer,
		Fetcher:    fetcher,
		Detector:   detect,
		Limiter:    limiter,
		Clock:      clock,
	}
	if cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			AcceptLanguage:    cfg.Fetch.AcceptLanguage,
			NavigationTimeout: cfg.Headless.NavTimeout,
			WaitSelector:      cfg.Headless.WaitSelector,
			SettleDelay:       cfg.Headless.SettleDelay,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed, continuing without promotion", zap.Error(err))
			err = nil
		} else {
			deps.Headless = app.headless
			logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	worker, err := pipeline.NewWorker(deps, pipeline.Config{
		Concurrency:     cfg.Fetch.Concurrency,
		BatchSize:       cfg.Queue.BatchSize,
		FetchTimeout:    cfg.Fetch.Timeout,
		DelayMin:        cfg.Fetch.DelayMin,
		DelayMax:        cfg.Fetch.DelayMax,
		BlockedCooldown: cfg.Fetch.BlockedCooldown,
		PollInterval:    cfg.Fetch.PollInterval,
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	app.Pool = pipeline.NewPool(worker, logger.Named("pool"))

	app.Replayer, err = pipeline.NewReplayer(app.Raw, parser, app.Normalizer, cfg.Site.BaseURL, logger.Named("replay"))
	if err != nil {
		return nil, fmt.Errorf("replayer init failed: %w", err)
	}

	app.API = api.NewServer(app.apiDeps(), api.Options{APIKey: app.apiKey()}, logger.Named("api"))
	return app, nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		raw := memorystorage.NewRawStore()
		silverStore := memorystorage.NewSilverStore()
		goldStore := memorystorage.NewGoldStore()
		return stores{
			queue:   memorystorage.NewQueueStore(),
			raw:     raw,
			silver:  silverStore,
			gold:    goldStore,
			quality: memorystorage.QualityStore{Raw: raw, Silver: silverStore, Gold: goldStore},
		}, nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("database init failed: %w", err)
	}
	a.db = pool
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return stores{}, fmt.Errorf("schema init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return stores{
		queue:   pgstore.NewQueueStore(pool),
		raw:     pgstore.NewRawStore(pool),
		silver:  pgstore.NewSilverStore(pool),
		gold:    pgstore.NewGoldStore(pool),
		quality: pgstore.NewQualityStore(pool),
	}, nil
}

func (a *App) setupBlobStore(ctx context.Context) (warehouse.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case "minio":
		client, err := miniostorage.NewClient(a.cfg.Storage.MinIO)
		if err != nil {
			return nil, fmt.Errorf("minio client init failed: %w", err)
		}
		blobs, err := miniostorage.New(ctx, client, a.cfg.Storage.MinIO)
		if err != nil {
			return nil, fmt.Errorf("minio blob store init failed: %w", err)
		}
		a.logger.Info("using S3-compatible storage backend",
			zap.String("endpoint", a.cfg.Storage.MinIO.Endpoint),
			zap.String("bucket", a.cfg.Storage.MinIO.Bucket),
		)
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (warehouse.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

// apiDeps avoids storing typed nil pointers in the handler interfaces.
func (a *App) apiDeps() api.Deps {
	deps := api.Deps{
		Queue:     a.Queue,
		Replayer:  a.Replayer,
		Gold:      a.Gold,
		Quality:   a.Quality,
		Discovery: a.Discovery,
	}
	if a.Views != nil {
		deps.Views = a.Views
	}
	if a.db != nil {
		deps.Ready = a.db
	}
	return deps
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

// Serve runs the fetch workers and the HTTP API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("fetch workers started", zap.Int("concurrency", a.cfg.Fetch.Concurrency))
		a.Pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases clients opened by Build. It is safe on a partially built App.
func (a *App) Close(_ context.Context) error {
	var errs []error
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
