// Package loader serves cached real-time data to the request path. Each
// Loader picks the source branch (parsed snapshot or raw blob), keeps the
// last good value as an immutable snapshot and coalesces concurrent
// rebuilds into one.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

// Source names the branch that produced an envelope.
type Source string

const (
	SourceParsed Source = "parsed"
	SourceBlob   Source = "blob"
)

// Reasons reported in Meta.Reason by the loader itself. Suppliers add
// their own (for example "missing_cache").
const (
	ReasonRebuildTimeout = "rebuild_timeout"
	ReasonLoadError      = "load_error"
)

const (
	DefaultFreshness = 10 * time.Second
	DefaultMaxWait   = 1500 * time.Millisecond
	rebuildTimeout   = 30 * time.Second
)

type Meta struct {
	Applied   bool      `json:"applied"`
	Reason    string    `json:"reason,omitempty"`
	Source    Source    `json:"source"`
	Stale     bool      `json:"stale,omitempty"`
	BuiltAt   time.Time `json:"builtAt,omitzero"`
	FetchedAt time.Time `json:"fetchedAt,omitzero"`
}

// Envelope is one cached value with its provenance.
type Envelope[T any] struct {
	Data T    `json:"data"`
	Meta Meta `json:"meta"`
}

// Supplier produces an envelope from the persisted cache. It must not
// call upstream.
type Supplier[T any] func(ctx context.Context) (Envelope[T], error)

type Config[T any] struct {
	Name string
	// AllowBlobFallback permits the blob branch at all; it is only taken
	// when ForceBlobMode or a per-request ForceBlob is also set.
	AllowBlobFallback bool
	ForceBlobMode     bool
	LoadParsed        Supplier[T]
	LoadBlob          Supplier[T]
	// Freshness is how long a snapshot is served without a rebuild.
	Freshness time.Duration
	// MaxWait bounds how long a reader waits on a rebuild before it gets
	// the last good snapshot.
	MaxWait time.Duration
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Options are per-request switches, both debug only.
type Options struct {
	ForceBlob bool
	// Block waits for a fresh rebuild, bounded only by ctx.
	Block bool
}

type snapshot[T any] struct {
	env      Envelope[T]
	loadedAt time.Time
	invalid  bool
}

type Loader[T any] struct {
	cfg     Config[T]
	group   singleflight.Group
	current atomic.Pointer[snapshot[T]]
	logger  *slog.Logger
}

func New[T any](cfg Config[T]) *Loader[T] {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader[T]{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "loader"), slog.String("loader", cfg.Name)),
	}
}

func (l *Loader[T]) Name() string {
	return l.cfg.Name
}

// Load returns the envelope for this request. It never fails: errors and
// timeouts degrade to the last good snapshot or an empty envelope whose
// Meta.Reason says why.
func (l *Loader[T]) Load(ctx context.Context, opts Options) Envelope[T] {
	useBlob := l.cfg.AllowBlobFallback && l.cfg.LoadBlob != nil && (l.cfg.ForceBlobMode || opts.ForceBlob)
	source := SourceParsed
	if useBlob {
		source = SourceBlob
	}

	if !useBlob && !opts.Block {
		if snap := l.current.Load(); snap != nil && l.fresh(snap) {
			l.cfg.Metrics.LoaderServed(l.cfg.Name, string(source), false)
			return snap.env
		}
	}

	ch := l.group.DoChan(string(source), func() (any, error) {
		return l.rebuild(ctx, source)
	})

	// MaxWait is a wall-clock budget on the reader's latency, so it runs on
	// a real timer even when Clock is a mock. Freshness stays on Clock.
	var timeout <-chan time.Time
	if !opts.Block {
		timer := time.NewTimer(l.cfg.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Shared {
			l.cfg.Metrics.LoaderCoalesced(l.cfg.Name)
		}
		if res.Err != nil {
			return l.serveStale(source, ReasonLoadError)
		}
		env := res.Val.(Envelope[T])
		l.cfg.Metrics.LoaderServed(l.cfg.Name, string(source), false)
		return env
	case <-timeout:
		return l.serveStale(source, ReasonRebuildTimeout)
	case <-ctx.Done():
		return l.serveStale(source, ReasonRebuildTimeout)
	}
}

func (l *Loader[T]) rebuild(ctx context.Context, source Source) (Envelope[T], error) {
	// The rebuild outlives the reader that started it; waiters that gave
	// up still get its result through the next snapshot.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
	defer cancel()

	supplier := l.cfg.LoadParsed
	if source == SourceBlob {
		supplier = l.cfg.LoadBlob
	}
	if supplier == nil {
		return Envelope[T]{}, errors.New("loader has no supplier for " + string(source))
	}

	start := l.cfg.Clock.Now()
	env, err := supplier(ctx)
	if err != nil {
		l.cfg.Metrics.LoaderRebuild(l.cfg.Name, "error")
		logging.LogError(l.logger, "loader_rebuild", err, slog.String("source", string(source)))
		return Envelope[T]{}, err
	}
	env.Meta.Source = source
	l.cfg.Metrics.LoaderRebuild(l.cfg.Name, "ok")
	logging.LogOperation(l.logger, "loader_rebuild",
		slog.String("source", string(source)),
		slog.Bool("applied", env.Meta.Applied),
		slog.String("reason", env.Meta.Reason),
		slog.Duration("duration", l.cfg.Clock.Now().Sub(start)))

	// Blob results are debug-only and never replace the parsed snapshot.
	if source == SourceParsed {
		l.current.Store(&snapshot[T]{env: env, loadedAt: l.cfg.Clock.Now()})
	}
	return env, nil
}

func (l *Loader[T]) serveStale(source Source, reason string) Envelope[T] {
	snap := l.current.Load()
	if snap == nil || source == SourceBlob {
		l.cfg.Metrics.LoaderServed(l.cfg.Name, string(source), true)
		logging.LogWarning(l.logger, "loader_serve_stale",
			slog.String("reason", reason), slog.Bool("has_snapshot", false))
		return Envelope[T]{Meta: Meta{Reason: reason, Source: source, Stale: true}}
	}
	env := snap.env
	env.Meta.Stale = true
	l.cfg.Metrics.LoaderServed(l.cfg.Name, string(env.Meta.Source), true)
	logging.LogWarning(l.logger, "loader_serve_stale",
		slog.String("reason", reason),
		slog.Bool("has_snapshot", true),
		slog.Duration("age", l.cfg.Clock.Now().Sub(snap.loadedAt)))
	return env
}

func (l *Loader[T]) fresh(s *snapshot[T]) bool {
	return !s.invalid && l.cfg.Clock.Now().Sub(s.loadedAt) < l.cfg.Freshness
}

// Publish installs env as the current snapshot. In-process pollers call it
// right after persisting a refresh so readers skip the store round trip.
func (l *Loader[T]) Publish(env Envelope[T]) {
	env.Meta.Source = SourceParsed
	l.current.Store(&snapshot[T]{env: env, loadedAt: l.cfg.Clock.Now()})
}

// Invalidate keeps the current snapshot as last good value but forces the
// next reader to rebuild.
func (l *Loader[T]) Invalidate() {
	for {
		old := l.current.Load()
		if old == nil {
			return
		}
		next := &snapshot[T]{env: old.env, loadedAt: old.loadedAt, invalid: true}
		if l.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Snapshot returns the current value without triggering a rebuild.
func (l *Loader[T]) Snapshot() (Envelope[T], bool) {
	snap := l.current.Load()
	if snap == nil {
		return Envelope[T]{}, false
	}
	return snap.env, true
}
