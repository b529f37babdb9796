// Package collyfetcher fetches listing pages over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 8 << 20
	defaultMaxRedirects = 5
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	// MaxBodyBytes truncates oversized pages; 8 MiB when zero.
	MaxBodyBytes int
	// MaxRedirects caps redirect chains. Removed listings bounce to search pages, so the
	// last hop is returned as is once the cap is hit.
	MaxRedirects int
}

// Fetcher implements warehouse.Fetcher using the Colly collector. Non-2xx responses are returned
// as responses so the caller can classify them.
type Fetcher struct {
	cfg       Config
	base      *colly.Collector
	transport http.RoundTripper
	robots    *robotsProbeState
}

// New builds a Fetcher. The connection pool and robots.txt probe state are shared by every fetch.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}

	f := &Fetcher{cfg: cfg}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		f.robots = newRobotsProbeState()
		transport = &robotsAwareTransport{base: transport, state: f.robots}
	}
	f.transport = transport

	f.base = colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	f.base.ParseHTTPErrorResponse = true
	f.base.IgnoreRobotsTxt = !cfg.RespectRobots
	f.base.MaxBodySize = cfg.MaxBodyBytes
	if cfg.UserAgent != "" {
		f.base.UserAgent = cfg.UserAgent
	}
	f.base.WithTransport(transport)
	return f
}

// RobotsFallback reports whether robots.txt of host was assumed permissive and why.
func (f *Fetcher) RobotsFallback(host string) (string, bool) {
	if f.robots == nil {
		return "", false
	}
	return f.robots.Fallback(host)
}

// capture collects the outcome of one visit from colly callbacks.
type capture struct {
	start    time.Time
	response warehouse.FetchResponse
	err      error
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request warehouse.FetchRequest) (warehouse.FetchResponse, error) {
	out := &capture{start: time.Now()}
	collector := f.collectorFor(request, out)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return warehouse.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", request.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return warehouse.FetchResponse{}, fmt.Errorf("visit %s: %w", request.URL, err)
		}
		if out.err != nil {
			return warehouse.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, out.err)
		}
		return out.response, nil
	}
}

// collectorFor clones the base collector so callbacks stay per request.
func (f *Fetcher) collectorFor(request warehouse.FetchRequest, out *capture) *colly.Collector {
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	collector.SetRedirectHandler(f.redirectPolicy)
	f.attach(collector, request, out)
	return collector
}

func (f *Fetcher) redirectPolicy(_ *http.Request, via []*http.Request) error {
	if len(via) >= f.cfg.MaxRedirects {
		return http.ErrUseLastResponse
	}
	return nil
}

type callbackRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (f *Fetcher) attach(c callbackRegistrar, request warehouse.FetchRequest, out *capture) {
	c.OnRequest(func(r *colly.Request) {
		if f.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		}
		mergeHeaders(r.Headers, request.Headers)
	})
	c.OnResponse(func(r *colly.Response) {
		out.response = toFetchResponse(r, out.start)
	})
	// Colly reports 4xx/5xx through OnError; those still carry a page worth classifying.
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			out.response = toFetchResponse(r, out.start)
			return
		}
		out.err = err
	})
}

func toFetchResponse(r *colly.Response, start time.Time) warehouse.FetchResponse {
	resp := warehouse.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func mergeHeaders(dst *http.Header, src http.Header) {
	if dst == nil {
		return
	}
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
