// Package upstream fetches raw GTFS-RT payloads from the feed providers.
// Only pollers hold a Client; every call is checked by the request guard.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/guard"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

const (
	maxBodySize = 25 * 1024 * 1024
	// MaxRetryAfter caps how long a provider can push back the next poll.
	MaxRetryAfter = 30 * time.Minute
)

var (
	// ErrNotModified is returned for a 304 answer to If-None-Match.
	ErrNotModified = errors.New("upstream payload not modified")
	// ErrTransport wraps network failures so they are never mistaken for
	// database disconnects further up.
	ErrTransport = errors.New("upstream transport error")
)

// StatusError is a non-2xx answer other than 304.
type StatusError struct {
	StatusCode int
	Status     string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream returned %s (retry after %s)", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("upstream returned %s", e.Status)
}

func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type Request struct {
	URL   string
	Token string
	ETag  string
}

type Response struct {
	Body       []byte
	ETag       string
	StatusCode int
	FetchedAt  time.Time
}

type Client struct {
	HTTP      *http.Client
	Guard     *guard.Guard
	Clock     clock.Clock
	UserAgent string
	logger    *slog.Logger
}

func NewClient(g *guard.Guard, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Client{
		HTTP:      newHTTPClient(),
		Guard:     g,
		Clock:     clk,
		UserAgent: "mesdeparts-poller/1",
		logger:    slog.Default().With(slog.String("component", "upstream_client")),
	}
}

func newHTTPClient() *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 2
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}

// Fetch performs one GET. It returns ErrNotModified for 304 and a
// *StatusError for any other non-2xx status. The guard is consulted before
// any network I/O.
func (c *Client) Fetch(ctx context.Context, r Request) (*Response, error) {
	ok, err := c.Guard.Check(ctx, r.URL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, guard.ErrBlockedUpstreamCall
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}
	req.Header.Set("Accept", "application/x-protobuf, application/octet-stream")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to execute GTFS-RT request: %w", ErrTransport, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

	now := c.Clock.Now()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Response{ETag: r.ETag, StatusCode: resp.StatusCode, FetchedAt: now}, ErrNotModified
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", ErrTransport, err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, fmt.Errorf("GTFS-RT response exceeds size limit of %d bytes", maxBodySize)
	}

	return &Response{
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		FetchedAt:  now,
	}, nil
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values give zero; anything longer than MaxRetryAfter is clamped.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs >= int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}
