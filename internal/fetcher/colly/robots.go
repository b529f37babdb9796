package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
)

// Reasons a robots.txt probe was assumed permissive.
const (
	robotsReasonTimeout     = "timeout"
	robotsReasonServerError = "server_error"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt probes. Colly treats a failed probe as a failed
// visit, so a flaky robots.txt would otherwise block every listing on the host.
type robotsAwareTransport struct {
	base  http.RoundTripper
	state *robotsProbeState
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.state == nil || req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	return t.state.probe(req, t.base)
}

// robotsProbeState records, per host, why robots.txt had to be assumed permissive.
type robotsProbeState struct {
	mu       sync.Mutex
	fallback map[string]string
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRobotsProbeState() *robotsProbeState {
	return &robotsProbeState{fallback: make(map[string]string), sleep: sleepWithContext}
}

func (s *robotsProbeState) probe(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	var reason string
	for attempt := 0; attempt <= len(robotsRetryBackoff); attempt++ {
		if attempt > 0 {
			if err := s.sleep(req.Context(), robotsRetryBackoff[attempt-1]); err != nil {
				return nil, fmt.Errorf("robots probe backoff: %w", err)
			}
		}
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			// 5xx on robots.txt means "try later", not "disallow everything".
			drain(resp)
			reason = robotsReasonServerError
		case isTimeout(err):
			reason = robotsReasonTimeout
		default:
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
	}
	s.markFallback(req.URL.Host, reason)
	return allowAllRobots(req), nil
}

func (s *robotsProbeState) markFallback(host, reason string) {
	s.mu.Lock()
	_, seen := s.fallback[host]
	s.fallback[host] = reason
	s.mu.Unlock()
	if !seen {
		metrics.ObserveRobotsFallback(reason)
	}
}

// Fallback returns the reason robots.txt of host was assumed permissive, if it was.
func (s *robotsProbeState) Fallback(host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.fallback[host]
	return reason, ok
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
