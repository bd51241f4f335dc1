// Package upstream provides the client for the building-telemetry source
// API: a point listing plus paginated samples in a time range.
//
// The upstream is treated as opaque: pagination cursors are passed back
// verbatim, pages may be partial, and rate limits are expected. Transient
// failures retry with bounded exponential backoff behind a circuit
// breaker; persistent failures surface as ErrUpstreamDown.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/logging"
)

// Options configures the client.
type Options struct {
	BaseURL        string
	APIKey         string
	PageSize       int
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Client talks to the upstream timeseries API. Safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// New creates a new upstream client.
func New(opts Options) *Client {
	settings := gobreaker.Settings{
		Name:    "upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     logging.Component("upstream"),
	}
}

// PointInfo describes a point as listed by the upstream.
type PointInfo struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Page is one page of raw samples.
type Page struct {
	Samples    []RawSample
	NextCursor string
}

// ListPoints lists the points the upstream knows for a site.
func (c *Client) ListPoints(ctx context.Context, site string) ([]PointInfo, error) {
	var resp struct {
		Points []PointInfo `json:"points"`
	}
	path := fmt.Sprintf("/sites/%s/points", url.PathEscape(site))
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// FetchPage fetches one page of samples for a site and window. Pass the
// previous page's NextCursor to continue; an empty NextCursor on the
// returned page means the window is exhausted.
func (c *Client) FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*Page, error) {
	params := url.Values{}
	params.Set("start_time", start.UTC().Format(time.RFC3339))
	params.Set("end_time", end.UTC().Format(time.RFC3339))
	params.Set("page_size", fmt.Sprint(c.opts.PageSize))
	params.Set("raw_data", "true")
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp struct {
		PointSamples []RawSample `json:"point_samples"`
		NextCursor   string      `json:"next_cursor"`
	}
	path := fmt.Sprintf("/sites/%s/timeseries/paginated", url.PathEscape(site))
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}

	return &Page{Samples: resp.PointSamples, NextCursor: resp.NextCursor}, nil
}

// getJSON performs a GET with retry and circuit breaking, decoding the
// response body into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.opts.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	operation := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, reqURL, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(fmt.Errorf("%v: %w", err, verrors.ErrUpstreamDown))
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryBaseDelay
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries)), ctx))
	if err == nil {
		return nil
	}
	if verrors.IsRetriable(err) {
		return fmt.Errorf("upstream %s: %w", path, err)
	}
	return err
}

// doOnce performs a single request attempt. Retriable failures (timeouts,
// rate limits, 5xx) are returned as retriable sentinels; other HTTP errors
// are permanent.
func (c *Client) doOnce(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("%v: %w", err, verrors.ErrUpstreamDown)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", resp.StatusCode, verrors.ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, verrors.ErrUpstreamDown)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return backoff.Permanent(fmt.Errorf("upstream status %d: %s", resp.StatusCode, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
