package board

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

// ReasonMissingCache marks an envelope for a feed no poller has stored yet.
const ReasonMissingCache = "missing_cache"

// CacheReader is the read side of the feed cache. Suppliers built on it
// never reach upstream.
type CacheReader interface {
	GetRecord(ctx context.Context, feed string) (*feedcache.Record, error)
	GetParsed(ctx context.Context, feed string) (*feedcache.Parsed, error)
}

type LoaderConfig struct {
	Store     CacheReader
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Freshness time.Duration
	MaxWait   time.Duration
}

func NewTripUpdatesLoader(feed appconf.FeedConfig, cfg LoaderConfig) *loader.Loader[*realtime.DelayIndex] {
	return loader.New(loader.Config[*realtime.DelayIndex]{
		Name:              feed.Name,
		AllowBlobFallback: feed.AllowBlobFallback,
		ForceBlobMode:     feed.ForceBlobMode,
		LoadParsed:        ParsedTripUpdates(cfg.Store, feed.Name),
		LoadBlob:          BlobTripUpdates(cfg.Store, feed.Name),
		Freshness:         cfg.Freshness,
		MaxWait:           cfg.MaxWait,
		Clock:             cfg.Clock,
		Metrics:           cfg.Metrics,
		Logger:            cfg.Logger,
	})
}

func NewAlertsLoader(feed appconf.FeedConfig, cfg LoaderConfig) *loader.Loader[[]realtime.ServiceAlert] {
	return loader.New(loader.Config[[]realtime.ServiceAlert]{
		Name:              feed.Name,
		AllowBlobFallback: feed.AllowBlobFallback,
		ForceBlobMode:     feed.ForceBlobMode,
		LoadParsed:        ParsedAlerts(cfg.Store, feed.Name),
		LoadBlob:          BlobAlerts(cfg.Store, feed.Name),
		Freshness:         cfg.Freshness,
		MaxWait:           cfg.MaxWait,
		Clock:             cfg.Clock,
		Metrics:           cfg.Metrics,
		Logger:            cfg.Logger,
	})
}

// ParsedTripUpdates reads the merged delay index the poller persisted.
func ParsedTripUpdates(store CacheReader, feed string) loader.Supplier[*realtime.DelayIndex] {
	return parsedSupplier(store, feed, realtime.DecodeSnapshot)
}

// BlobTripUpdates decodes the last raw payload on its own, without the
// merge history. Debug use only.
func BlobTripUpdates(store CacheReader, feed string) loader.Supplier[*realtime.DelayIndex] {
	return blobSupplier(store, feed, func(payload []byte, fetchedAt time.Time) (*realtime.DelayIndex, error) {
		return realtime.DecodeTripUpdates(payload, fetchedAt.UnixMilli())
	})
}

func ParsedAlerts(store CacheReader, feed string) loader.Supplier[[]realtime.ServiceAlert] {
	return parsedSupplier(store, feed, realtime.DecodeAlertSnapshot)
}

func BlobAlerts(store CacheReader, feed string) loader.Supplier[[]realtime.ServiceAlert] {
	return blobSupplier(store, feed, func(payload []byte, _ time.Time) ([]realtime.ServiceAlert, error) {
		return realtime.DecodeAlerts(payload)
	})
}

func parsedSupplier[T any](store CacheReader, feed string, decode func([]byte) (T, error)) loader.Supplier[T] {
	return func(ctx context.Context) (loader.Envelope[T], error) {
		parsed, err := store.GetParsed(ctx, feed)
		if errors.Is(err, feedcache.ErrNotFound) {
			return loader.Envelope[T]{Meta: loader.Meta{Reason: ReasonMissingCache}}, nil
		}
		if err != nil {
			return loader.Envelope[T]{}, err
		}
		data, err := decode(parsed.Payload)
		if err != nil {
			return loader.Envelope[T]{}, err
		}
		return loader.Envelope[T]{Data: data, Meta: loader.Meta{
			Applied:   true,
			BuiltAt:   parsed.BuiltAt,
			FetchedAt: parsed.SourceFetchedAt,
		}}, nil
	}
}

func blobSupplier[T any](store CacheReader, feed string, decode func([]byte, time.Time) (T, error)) loader.Supplier[T] {
	return func(ctx context.Context) (loader.Envelope[T], error) {
		rec, err := store.GetRecord(ctx, feed)
		if errors.Is(err, feedcache.ErrNotFound) || (err == nil && len(rec.Payload) == 0) {
			return loader.Envelope[T]{Meta: loader.Meta{Reason: ReasonMissingCache}}, nil
		}
		if err != nil {
			return loader.Envelope[T]{}, err
		}
		data, err := decode(rec.Payload, rec.FetchedAt)
		if err != nil {
			return loader.Envelope[T]{}, err
		}
		return loader.Envelope[T]{Data: data, Meta: loader.Meta{Applied: true, FetchedAt: rec.FetchedAt}}, nil
	}
}
