// Package poller runs one loop per real-time feed. Each poller is the only
// writer of its feed's cache rows and in-process snapshot; readers only
// ever see what it published.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/events"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/upstream"
)

// MinRateLimitWait is the floor applied after an upstream 429.
const MinRateLimitWait = 60 * time.Second

// Fetcher is the upstream side of a poller; *upstream.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

type Config struct {
	Feed     appconf.FeedConfig
	Fetcher  Fetcher
	Store    feedcache.Store
	Clock    clock.Clock
	Notifier events.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Exactly one of these is used, depending on Feed.Kind. Nil skips the
	// in-process publish.
	TripUpdates *loader.Loader[*realtime.DelayIndex]
	Alerts      *loader.Loader[[]realtime.ServiceAlert]
	Retention   time.Duration
}

type Poller struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	// Everything below is owned by the goroutine calling Tick.
	index        *realtime.DelayIndex
	lastSeenAtMs int64
	etag         string
	primed       bool
	notBefore    time.Time
}

func New(cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = events.Noop{}
	}
	if cfg.Feed.Interval <= 0 {
		cfg.Feed.Interval = appconf.DefaultTripUpdatesInterval
	}
	if cfg.Feed.RateLimitFloor < MinRateLimitWait {
		cfg.Feed.RateLimitFloor = MinRateLimitWait
	}
	if cfg.Retention <= 0 {
		cfg.Retention = realtime.DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.Feed.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.Feed.RequestsPerMinute / 60)
	}
	return &Poller{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger: logger.With(
			slog.String("component", "poller"),
			slog.String("feed", cfg.Feed.Name)),
	}
}

func (p *Poller) Feed() appconf.FeedConfig {
	return p.cfg.Feed
}

// Tick performs at most one upstream fetch and refreshes the cache from
// it. It returns how long to wait before the next tick. Only errors the
// loop cannot absorb are returned: database failures, blocked calls and
// context cancellation.
func (p *Poller) Tick(ctx context.Context) (time.Duration, error) {
	feed := p.cfg.Feed
	now := p.cfg.Clock.Now()

	if now.Before(p.notBefore) {
		return p.notBefore.Sub(now), nil
	}
	if wait := p.reserve(now); wait > 0 {
		p.outcome("budget")
		return wait, nil
	}
	if err := p.prime(ctx); err != nil {
		p.outcome("db_error")
		return feed.Interval, err
	}

	resp, err := p.cfg.Fetcher.Fetch(ctx, upstream.Request{URL: feed.URL, Token: feed.Token, ETag: p.etag})
	switch {
	case err == nil:
		p.cfg.Metrics.UpstreamFetch(feed.Name, resp.StatusCode)
		return feed.Interval, p.refresh(ctx, resp)
	case errors.Is(err, upstream.ErrNotModified):
		p.cfg.Metrics.UpstreamFetch(feed.Name, http.StatusNotModified)
		p.outcome("not_modified")
		return feed.Interval, p.beat(ctx, now, true, "")
	}

	status := 0
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}
	p.cfg.Metrics.UpstreamFetch(feed.Name, status)

	switch kind := Classify(err); kind {
	case KindRateLimited:
		// The cache is left untouched so readers keep the last good data.
		wait := max(feed.RateLimitFloor, statusErr.RetryAfter)
		p.notBefore = now.Add(wait)
		p.outcome("rate_limited")
		logging.LogWarning(p.logger, "poller_rate_limited",
			slog.Int64("wait_ms", wait.Milliseconds()),
			slog.Int64("retry_after_ms", statusErr.RetryAfter.Milliseconds()))
		return wait, nil
	case KindBlockedUpstream:
		p.outcome("blocked")
		return feed.Interval, err
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		p.outcome("upstream_error")
		logging.LogError(p.logger, "poller_tick", err, slog.String("error_kind", kind.String()))
		rec := feedcache.Record{Feed: feed.Name, FetchedAt: now, LastStatus: status, LastError: err.Error()}
		if err := p.cfg.Store.PutRecord(ctx, rec); err != nil {
			return feed.Interval, err
		}
		return feed.Interval, p.beat(ctx, now, false, err.Error())
	}
}

// reserve spends one unit of the upstream budget, or reports how long
// until one is available without spending it.
func (p *Poller) reserve(now time.Time) time.Duration {
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return p.cfg.Feed.Interval
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

// prime restores the merged index and etag persisted by a previous
// process so a restart does not forget delays the feed no longer repeats.
func (p *Poller) prime(ctx context.Context) error {
	if p.primed {
		return nil
	}
	parsed, err := p.cfg.Store.GetParsed(ctx, p.cfg.Feed.Name)
	switch {
	case errors.Is(err, feedcache.ErrNotFound):
		p.primed = true
		return nil
	case err != nil:
		return err
	}

	if p.cfg.Feed.Kind == appconf.FeedTripUpdates {
		idx, err := realtime.DecodeSnapshot(parsed.Payload)
		if err != nil {
			// a corrupt snapshot is rebuilt from the next full poll
			logging.LogError(p.logger, "poller_prime", err)
			p.primed = true
			return nil
		}
		p.index = idx
		p.lastSeenAtMs = parsed.BuiltAt.UnixMilli()
	}

	rec, err := p.cfg.Store.GetRecord(ctx, p.cfg.Feed.Name)
	switch {
	case err == nil:
		p.etag = rec.ETag
	case !errors.Is(err, feedcache.ErrNotFound):
		return err
	}
	p.primed = true
	return nil
}

func (p *Poller) refresh(ctx context.Context, resp *upstream.Response) error {
	feed := p.cfg.Feed
	builtAt := p.cfg.Clock.Now()

	snapshot, commit, err := p.decode(resp)
	if err != nil {
		p.outcome("malformed")
		logging.LogError(p.logger, "poller_tick", err, slog.String("error_kind", Classify(err).String()))
		rec := feedcache.Record{Feed: feed.Name, FetchedAt: resp.FetchedAt, LastStatus: resp.StatusCode, LastError: err.Error()}
		if err := p.cfg.Store.PutRecord(ctx, rec); err != nil {
			return err
		}
		return p.beat(ctx, builtAt, false, err.Error())
	}

	if err := p.cfg.Store.PutRecord(ctx, feedcache.Record{
		Feed:       feed.Name,
		Payload:    resp.Body,
		FetchedAt:  resp.FetchedAt,
		ETag:       resp.ETag,
		LastStatus: resp.StatusCode,
	}); err != nil {
		return err
	}
	if err := p.cfg.Store.PutParsed(ctx, feedcache.Parsed{
		Feed:            feed.Name,
		Payload:         snapshot,
		BuiltAt:         builtAt,
		SourceFetchedAt: resp.FetchedAt,
	}); err != nil {
		return err
	}
	p.etag = resp.ETag
	commit(loader.Meta{Applied: true, BuiltAt: builtAt, FetchedAt: resp.FetchedAt})

	if err := p.beat(ctx, builtAt, true, ""); err != nil {
		return err
	}
	p.outcome("ok")
	logging.LogOperation(p.logger, "poller_tick",
		slog.Int("bytes", len(resp.Body)),
		slog.Duration("duration", p.cfg.Clock.Now().Sub(builtAt)))

	ev := events.Refreshed{Feed: feed.Name, Kind: string(feed.Kind), FetchedAt: resp.FetchedAt, BuiltAt: builtAt}
	if err := p.cfg.Notifier.Refreshed(ctx, ev); err != nil {
		logging.LogError(p.logger, "feed_refreshed_publish_failed", err)
	}
	return nil
}

// decode turns a payload into its parsed snapshot bytes. commit installs
// the new state once the snapshot is persisted.
func (p *Poller) decode(resp *upstream.Response) ([]byte, func(loader.Meta), error) {
	nowMs := resp.FetchedAt.UnixMilli()

	if p.cfg.Feed.Kind == appconf.FeedAlerts {
		alerts, err := realtime.DecodeAlerts(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		b, err := realtime.EncodeAlerts(alerts)
		if err != nil {
			return nil, nil, err
		}
		return b, func(meta loader.Meta) {
			if p.cfg.Alerts != nil {
				p.cfg.Alerts.Publish(loader.Envelope[[]realtime.ServiceAlert]{Data: alerts, Meta: meta})
			}
		}, nil
	}

	incoming, err := realtime.DecodeTripUpdates(resp.Body, nowMs)
	if err != nil {
		return nil, nil, err
	}
	merged := realtime.Merge(p.index, incoming, realtime.MergeOptions{
		NowMs:        nowMs,
		PrevSeenAtMs: p.lastSeenAtMs,
		Retention:    p.cfg.Retention,
	})
	b, err := realtime.EncodeSnapshot(merged)
	if err != nil {
		return nil, nil, err
	}
	return b, func(meta loader.Meta) {
		p.index = merged
		p.lastSeenAtMs = nowMs
		stats := merged.Stats()
		p.cfg.Metrics.SetDelayIndexSize("by_key", stats.Entries)
		p.cfg.Metrics.SetDelayIndexSize("cancelled_trips", stats.CancelledTrips)
		p.cfg.Metrics.SetDelayIndexSize("stop_statuses", stats.StopStatuses)
		p.cfg.Metrics.SetDelayIndexSize("added_stops", stats.AddedStopEvents)
		if p.cfg.TripUpdates != nil {
			p.cfg.TripUpdates.Publish(loader.Envelope[*realtime.DelayIndex]{Data: merged, Meta: meta})
		}
	}, nil
}

func (p *Poller) beat(ctx context.Context, at time.Time, refreshed bool, lastError string) error {
	return p.cfg.Store.Beat(ctx, feedcache.Beat{
		At:        at,
		Kind:      p.cfg.Feed.Kind,
		Refreshed: refreshed,
		LastError: lastError,
	})
}

func (p *Poller) outcome(outcome string) {
	p.cfg.Metrics.PollerTick(p.cfg.Feed.Name, outcome)
}

// RunForever ticks until ctx ends or a database disconnect surfaces; the
// latter is returned for the Supervisor to restart on. healthy, when not
// nil, is called after every tick that returned no error.
func (p *Poller) RunForever(ctx context.Context, healthy func()) error {
	for {
		wait, err := p.Tick(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if Classify(err) == KindDBDisconnect {
				return err
			}
			logging.LogError(p.logger, "poller_tick_failed", err,
				slog.String("error_code", ErrorCode(err)))
			wait = max(wait, p.cfg.Feed.Interval)
		} else if healthy != nil {
			healthy()
		}
		if err := p.cfg.Clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
