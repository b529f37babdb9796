// Package discovery walks search result pages and registers the listing ids it finds.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Enqueuer registers ids with the queue; queue.Manager satisfies it.
type Enqueuer interface {
	Discover(ctx context.Context, ids []int64) (int, error)
}

// BlockDetector flags anti-bot pages.
type BlockDetector interface {
	Blocked(resp warehouse.FetchResponse) (bool, string)
}

// Waiter throttles outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls one discovery run.
type Config struct {
	BaseURL    string
	SearchPath string
	StartPage  int
	MaxPages   int
}

// Summary reports what a run did.
type Summary struct {
	Pages      int    `json:"pages"`
	Found      int    `json:"found"`
	Added      int    `json:"added"`
	Failed     int    `json:"failed"`
	StopReason string `json:"stop_reason"`
}

// Discoverer finds listing ids on search pages.
type Discoverer struct {
	fetcher  warehouse.Fetcher
	detector BlockDetector
	enqueuer Enqueuer
	limiter  Waiter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Discoverer. detector and limiter may be nil.
func New(
	fetcher warehouse.Fetcher,
	detector BlockDetector,
	enqueuer Enqueuer,
	limiter Waiter,
	cfg Config,
	logger *zap.Logger,
) (*Discoverer, error) {
	if fetcher == nil || enqueuer == nil {
		return nil, fmt.Errorf("fetcher and enqueuer are required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/cars/"
	}
	if !strings.HasPrefix(cfg.SearchPath, "/") {
		cfg.SearchPath = "/" + cfg.SearchPath
	}
	if cfg.StartPage <= 0 {
		cfg.StartPage = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		fetcher:  fetcher,
		detector: detector,
		enqueuer: enqueuer,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// PageURL returns the search URL for page n. Page 1 has no query string.
func (d *Discoverer) PageURL(page int) string {
	base := d.cfg.BaseURL + d.cfg.SearchPath
	if page <= 1 {
		return base
	}
	return base + "?page=" + strconv.Itoa(page)
}

var errBlocked = errors.New("search page blocked")

// Run walks pages from StartPage. It stops early on an empty or blocked page; other page failures
// are counted and skipped.
func (d *Discoverer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	seen := make(map[int64]struct{})
	last := d.cfg.StartPage + d.cfg.MaxPages - 1
	for page := d.cfg.StartPage; page <= last; page++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ids, err := d.page(ctx, page)
		summary.Pages++
		switch {
		case errors.Is(err, errBlocked):
			summary.StopReason = "blocked"
			d.logger.Warn("discovery stopped on blocked page", zap.Int("page", page), zap.Error(err))
			return d.finish(summary), nil
		case err != nil:
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failed++
			d.logger.Warn("search page failed", zap.Int("page", page), zap.Error(err))
			continue
		}
		if len(ids) == 0 {
			summary.StopReason = "empty_page"
			return d.finish(summary), nil
		}
		fresh := make([]int64, 0, len(ids))
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh = append(fresh, id)
		}
		summary.Found += len(fresh)
		added, err := d.enqueuer.Discover(ctx, fresh)
		if err != nil {
			return summary, fmt.Errorf("enqueue page %d: %w", page, err)
		}
		summary.Added += added
		d.logger.Debug("search page processed",
			zap.Int("page", page), zap.Int("ids", len(fresh)), zap.Int("added", added))
	}
	summary.StopReason = "max_pages"
	return d.finish(summary), nil
}

func (d *Discoverer) finish(summary Summary) Summary {
	metrics.ObserveBatch("discovery", map[string]int{
		"found":  summary.Found,
		"added":  summary.Added,
		"failed": summary.Failed,
	})
	d.logger.Info("discovery finished",
		zap.Int("pages", summary.Pages),
		zap.Int("found", summary.Found),
		zap.Int("added", summary.Added),
		zap.String("stop_reason", summary.StopReason),
	)
	return summary
}

func (d *Discoverer) page(ctx context.Context, page int) ([]int64, error) {
	url := d.PageURL(page)
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	resp, err := d.fetcher.Fetch(ctx, warehouse.FetchRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if d.detector != nil {
		if blocked, reason := d.detector.Blocked(resp); blocked {
			return nil, fmt.Errorf("%w: %s", errBlocked, reason)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return ExtractIDs(resp.Body)
}

var (
	showHref   = regexp.MustCompile(`/a/show/(\d+)`)
	gridMarker = regexp.MustCompile(`listing\.grid\.push\(\{\s*id:\s*(\d+)`)
)

// ExtractIDs returns listing ids in page order without duplicates.
func ExtractIDs(body []byte) ([]int64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	var ids []int64
	seen := make(map[int64]struct{})
	add := func(raw string) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	doc.Find(`a[href*="/a/show/"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if m := showHref.FindStringSubmatch(href); m != nil {
			add(m[1])
		}
	})
	doc.Find("[data-listing-id]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("data-listing-id")
		add(strings.TrimSpace(v))
	})
	for _, m := range gridMarker.FindAllSubmatch(body, -1) {
		add(string(m[1]))
	}
	return ids, nil
}
