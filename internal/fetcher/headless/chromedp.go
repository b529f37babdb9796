// Package headless renders listing pages in headless Chrome for responses the static fetcher
// could not use.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Config controls the browser pool and page readiness.
type Config struct {
	MaxParallel       int
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	// WaitSelector marks a rendered listing; "h1" when empty. Pages that never show it (removed
	// listings, challenges) are captured once SelectorTimeout elapses.
	WaitSelector    string
	SelectorTimeout time.Duration
	// SettleDelay lets late scripts fill prices and counters after WaitSelector matched.
	SettleDelay time.Duration
	// BlockedURLs are patterns the browser never downloads. Listing photos are read from the DOM.
	BlockedURLs []string
}

var defaultBlockedURLs = []string{"*.jpg", "*.jpeg", "*.png", "*.webp", "*.gif", "*.woff", "*.woff2", "*.mp4"}

// Fetcher implements warehouse.Fetcher with one shared Chrome allocator.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp starts an allocator for cfg. Chrome itself launches lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "h1"
	}
	if cfg.SelectorTimeout <= 0 || cfg.SelectorTimeout > cfg.NavigationTimeout {
		cfg.SelectorTimeout = cfg.NavigationTimeout / 3
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.BlockedURLs == nil {
		cfg.BlockedURLs = defaultBlockedURLs
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       semaphore.NewWeighted(int64(cfg.MaxParallel)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the DOM. The status comes from the main document
// response, so challenge pages keep their 403/503.
func (f *Fetcher) Fetch(ctx context.Context, request warehouse.FetchRequest) (warehouse.FetchResponse, error) {
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return warehouse.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
	}
	defer f.slots.Release(1)

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.awaitListing(),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return warehouse.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, docURL := doc.result()
	if status == 0 {
		status = http.StatusOK
	}
	finalURL := firstNonEmpty(location, docURL, request.URL)
	return warehouse.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(f.cfg.BlockedURLs) > 0 {
			if err := network.SetBlockedURLs(f.cfg.BlockedURLs).Do(ctx); err != nil {
				return fmt.Errorf("block resources: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(f.cfg.UserAgent)
			if f.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if extra := extraHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// awaitListing waits for the listing marker but tolerates pages that never render it.
func (f *Fetcher) awaitListing() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, f.cfg.SelectorTimeout)
		defer cancel()
		err := chromedp.WaitVisible(f.cfg.WaitSelector, chromedp.ByQuery).Do(waitCtx)
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil
		default:
			return fmt.Errorf("wait for %q: %w", f.cfg.WaitSelector, err)
		}
		if f.cfg.SettleDelay > 0 {
			return chromedp.Sleep(f.cfg.SettleDelay).Do(ctx)
		}
		return nil
	})
}

// documentResponse keeps the last main-document response, which follows redirects.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := make(http.Header, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		// CDP joins repeated headers with newlines.
		for _, part := range strings.Split(fmt.Sprint(value), "\n") {
			headers.Add(key, part)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
}

func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.headers == nil {
		return d.status, http.Header{}, d.url
	}
	return d.status, d.headers.Clone(), d.url
}

func extraHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		// The browser sets these itself; overriding them breaks request fingerprints.
		if strings.EqualFold(key, "User-Agent") || strings.EqualFold(key, "Accept-Encoding") || len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
