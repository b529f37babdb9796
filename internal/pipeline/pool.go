package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
)

// Summary counts item results of a crawl pass.
type Summary struct {
	Claimed  int            `json:"claimed"`
	Results  map[Result]int `json:"results"`
	Duration time.Duration  `json:"duration"`
}

type tally struct {
	mu      sync.Mutex
	claimed int
	results map[Result]int
}

func (t *tally) add(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[res]++
}

func (t *tally) claim(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed += n
}

func (t *tally) summary(start time.Time) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Result]int, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return Summary{Claimed: t.claimed, Results: out, Duration: time.Since(start)}
}

// Pool fans claimed work out to a bounded set of workers.
type Pool struct {
	worker *Worker
	logger *zap.Logger
}

// NewPool creates a Pool around w; w.cfg.Concurrency loops share it.
func NewPool(w *Worker, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{worker: w, logger: logger}
}

// Run keeps claiming and processing until ctx is done, polling when the queue is empty.
func (p *Pool) Run(ctx context.Context) {
	t := &tally{results: map[Result]int{}}
	var wg sync.WaitGroup
	for i := 0; i < p.worker.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot, false, t)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

// Drain processes eligible items until a claim comes back empty, then returns what was done.
func (p *Pool) Drain(ctx context.Context) (Summary, error) {
	start := time.Now()
	t := &tally{results: map[Result]int{}}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.worker.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.loop(gctx, slot, true, t)
		})
	}
	err := g.Wait()
	summary := t.summary(start)
	counts := make(map[string]int, len(summary.Results))
	for k, v := range summary.Results {
		counts[string(k)] = v
	}
	metrics.ObserveBatch("crawl", counts)
	p.logger.Info("crawl pass finished",
		zap.Int("claimed", summary.Claimed),
		zap.Any("results", summary.Results),
		zap.Duration("duration", summary.Duration),
	)
	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

func (p *Pool) loop(ctx context.Context, slot int, stopWhenEmpty bool, t *tally) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger := p.logger.With(zap.Int("worker", slot))

	for ctx.Err() == nil {
		claim, err := p.worker.deps.Queue.Claim(ctx, p.worker.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("queue claim failed", zap.Error(err))
			if stopWhenEmpty {
				return err
			}
			if p.worker.sleep(ctx, p.worker.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}
		if len(claim.Items) == 0 {
			if stopWhenEmpty {
				return nil
			}
			if p.worker.sleep(ctx, p.worker.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}
		t.claim(len(claim.Items))
		logger.Debug("claimed batch", zap.String("token", claim.Token), zap.Int("items", len(claim.Items)))
		for _, item := range claim.Items {
			if ctx.Err() != nil {
				// Unprocessed rows return to the queue when the lease expires.
				return nil
			}
			t.add(p.worker.Process(ctx, claim.Token, item))
		}
	}
	return nil
}
