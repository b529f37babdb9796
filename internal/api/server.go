package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/discovery"
	"github.com/JakeFAU/listing-warehouse/internal/gold"
	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/quality"
	"github.com/JakeFAU/listing-warehouse/internal/silver"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// QueueService is the queue surface exposed to operators; queue.Manager satisfies it.
type QueueService interface {
	Discover(ctx context.Context, ids []int64) (int, error)
	Get(ctx context.Context, entityID int64) (warehouse.QueueItem, error)
	Reenqueue(ctx context.Context, entityID int64) (warehouse.QueueItem, error)
	Summary(ctx context.Context) (map[warehouse.QueueState]int, error)
}

// Replayer re-derives silver state for one listing.
type Replayer interface {
	Replay(ctx context.Context, entityID int64) (silver.Result, error)
}

// GoldBuilder runs one dimensional build pass.
type GoldBuilder interface {
	Run(ctx context.Context) (gold.Summary, error)
}

// ViewsEnricher fills missing view counts.
type ViewsEnricher interface {
	Run(ctx context.Context) (silver.ViewsSummary, error)
}

// QualityChecker evaluates data-quality checks.
type QualityChecker interface {
	Run(ctx context.Context) (quality.Report, error)
}

// Discoverer walks search pages.
type Discoverer interface {
	Run(ctx context.Context) (discovery.Summary, error)
}

// Pinger reports downstream readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups handler collaborators. Only Queue is required; routes whose dependency is nil
// answer 503.
type Deps struct {
	Queue     QueueService
	Replayer  Replayer
	Gold      GoldBuilder
	Views     ViewsEnricher
	Quality   QualityChecker
	Discovery Discoverer
	Ready     Pinger
}

// Options configures middleware.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// BatchTimeout bounds synchronous batch passes triggered over HTTP.
	BatchTimeout time.Duration
}

// Server wires HTTP handlers to the warehouse components.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Minute
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/queue", s.queueSummary)
			r.Post("/queue/discover", s.discoverIDs)
			r.Get("/queue/{id}", s.getQueueItem)
			r.Post("/queue/{id}/reenqueue", s.reenqueue)
			r.Post("/listings/{id}/replay", s.replay)
			r.Get("/quality", s.quality)
		})
		r.Post("/gold/build", s.buildGold)
		r.Post("/views/enrich", s.enrichViews)
		r.Post("/discovery/run", s.runDiscovery)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
