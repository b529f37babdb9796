// Package views reads live view counters from the site's batch views endpoint.
package views

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Waiter throttles outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client implements silver.ViewsSource over a Fetcher.
type Client struct {
	fetcher warehouse.Fetcher
	limiter Waiter
	baseURL string
}

// NewClient constructs a Client. limiter may be nil.
func NewClient(fetcher warehouse.Fetcher, limiter Waiter, baseURL string) (*Client, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	return &Client{fetcher: fetcher, limiter: limiter, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// URL returns the batch endpoint for ids.
func (c *Client) URL(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s/ms/views/kolesa/live/%s/", c.baseURL, strings.Join(parts, ","))
}

// Views fetches counters for ids. Entries that cannot be read are left out.
func (c *Client) Views(ctx context.Context, ids []int64) (map[int64]int, error) {
	if len(ids) == 0 {
		return map[int64]int{}, nil
	}
	url := c.URL(ids)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	resp, err := c.fetcher.Fetch(ctx, warehouse.FetchRequest{
		URL:     url,
		Headers: http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch views: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch views: unexpected status %d", resp.StatusCode)
	}
	return Decode(resp.Body)
}

type envelope struct {
	Data map[string]json.RawMessage `json:"data"`
}

// Decode reads {"data": {"<id>": N | {"views": N} | "N"}}.
func Decode(body []byte) (map[int64]int, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode views: %w", err)
	}
	out := make(map[int64]int, len(env.Data))
	for key, raw := range env.Data {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if n, ok := count(raw); ok && n >= 0 {
			out[id] = n
		}
	}
	return out, nil
}

func count(raw json.RawMessage) (int, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		return v, err == nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, false
	}
	for _, key := range []string{"views", "count", "value"} {
		if v, ok := obj[key].(float64); ok {
			return int(v), true
		}
	}
	return 0, false
}
