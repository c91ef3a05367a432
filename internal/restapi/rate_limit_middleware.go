package restapi

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

const defaultIdleTTL = 10 * time.Minute

// RateLimitConfig sizes the per-client token buckets.
type RateLimitConfig struct {
	// PerInterval requests are allowed per Interval. It is also the burst.
	// Zero rejects everything; a negative value disables limiting.
	PerInterval int
	Interval    time.Duration
	// ExemptKeys bypass limiting entirely.
	ExemptKeys []string
	// IdleTTL is how long a client may stay silent before its bucket is
	// dropped.
	IdleTTL time.Duration
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter keeps one token bucket per client: the API key when one is
// sent, the client address otherwise.
type RateLimiter struct {
	cfg    RateLimitConfig
	limit  rate.Limit
	exempt map[string]struct{}

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts the background sweep of idle buckets. Call Stop
// to end it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	limit := rate.Inf
	switch {
	case cfg.PerInterval == 0:
		limit = 0
	case cfg.PerInterval > 0:
		limit = rate.Every(cfg.Interval / time.Duration(cfg.PerInterval))
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptKeys))
	for _, k := range cfg.ExemptKeys {
		if k = strings.TrimSpace(k); k != "" {
			exempt[k] = struct{}{}
		}
	}

	rl := &RateLimiter{
		cfg:     cfg,
		limit:   limit,
		exempt:  exempt,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop(cfg.IdleTTL / 2)
	return rl
}

// Handler returns the middleware.
func (rl *RateLimiter) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := app.RequestAPIKey(r)
			if _, ok := rl.exempt[apiKey]; ok && apiKey != "" {
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(apiKey, r)
			now := rl.cfg.Clock.Now()
			lim := rl.bucketFor(key, now)
			if !lim.AllowN(now, 1) {
				kind, _, _ := strings.Cut(key, ":")
				rl.cfg.Metrics.RateLimited(kind)
				rl.reject(w, now)
				return
			}

			if rl.limit != rate.Inf {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.PerInterval))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(lim.TokensAt(now)))))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, max(rl.cfg.PerInterval, 0))}
		rl.buckets[key] = b
	}
	b.lastSeen.Store(now.UnixNano())
	return b.limiter
}

// retryAfter is one token's refill time, at least a second.
func (rl *RateLimiter) retryAfter() time.Duration {
	switch rl.limit {
	case 0:
		return time.Hour
	case rate.Inf:
		return time.Second
	}
	return max(time.Duration(float64(time.Second)/float64(rl.limit)), time.Second)
}

func (rl *RateLimiter) reject(w http.ResponseWriter, now time.Time) {
	secs := int(math.Ceil(rl.retryAfter().Seconds()))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(max(rl.cfg.PerInterval, 0)))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)

	body := ErrorResponse{
		Code:        http.StatusTooManyRequests,
		CurrentTime: now.UnixMilli(),
		Text:        "Rate limit exceeded. Please try again later.",
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode rate limit response", "error", err)
	}
}

// clientKey prefers the API key; anonymous clients are told apart by the
// first X-Forwarded-For hop or, without a proxy, the remote address.
func clientKey(apiKey string, r *http.Request) string {
	if apiKey != "" {
		return "key:" + apiKey
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// sweep drops buckets idle for longer than IdleTTL.
func (rl *RateLimiter) sweep() {
	cutoff := rl.cfg.Clock.Now().Add(-rl.cfg.IdleTTL).UnixNano()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the sweep goroutine. In-flight requests are unaffected and
// calling it again is a no-op.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
