package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	// DefaultRetention is how long past its departure an entry omitted by
	// later polls is still carried forward.
	DefaultRetention = 30 * time.Minute
	// DefaultUnknownEpochRetention bounds entries that carry no departure
	// time (trip-level cancellations, delay-only updates); they are judged
	// by when a poll last mentioned them.
	DefaultUnknownEpochRetention = 2 * time.Hour
)

type MergeOptions struct {
	NowMs int64
	// PrevSeenAtMs stamps previous entries that carry no lastSeenAtMs of
	// their own, typically snapshots restored from an older cache.
	PrevSeenAtMs          int64
	Retention             time.Duration
	UnknownEpochRetention time.Duration
}

type retentionPolicy struct {
	nowMs          int64
	prevSeenAtMs   int64
	retentionMs    int64
	unknownEpochMs int64
}

func (p retentionPolicy) seen(lastSeenAtMs int64) int64 {
	if lastSeenAtMs == 0 {
		return p.prevSeenAtMs
	}
	return lastSeenAtMs
}

// stale reports whether an entry omitted by the latest poll must be dropped.
func (p retentionPolicy) stale(refEpochSec, lastSeenAtMs int64) bool {
	if refEpochSec > 0 {
		return refEpochSec*1000 < p.nowMs-p.retentionMs
	}
	seen := p.seen(lastSeenAtMs)
	if seen == 0 {
		return false
	}
	return seen < p.nowMs-p.unknownEpochMs
}

// mergeKeyed applies the merge policy to one keyed sub-structure: incoming
// entries win and are stamped, previous ones survive unless suppressed or
// stale.
func mergeKeyed[V any](
	prev, next map[string]V,
	stamp func(V, int64) V,
	keep func(key string, v V) bool,
	nowMs int64,
) map[string]V {
	out := make(map[string]V, len(next)+len(prev))
	for k, v := range next {
		out[k] = stamp(v, nowMs)
	}
	for k, v := range prev {
		if _, ok := out[k]; ok {
			continue
		}
		if keep(k, v) {
			out[k] = v
		}
	}
	return out
}

// Merge folds incoming into previous and returns a new index. Neither input
// is modified and the result shares no maps with them.
func Merge(previous, incoming *DelayIndex, opts MergeOptions) *DelayIndex {
	if previous == nil {
		previous = NewDelayIndex()
	}
	if incoming == nil {
		incoming = NewDelayIndex()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.UnknownEpochRetention <= 0 {
		opts.UnknownEpochRetention = DefaultUnknownEpochRetention
	}
	p := retentionPolicy{
		nowMs:          opts.NowMs,
		prevSeenAtMs:   opts.PrevSeenAtMs,
		retentionMs:    opts.Retention.Milliseconds(),
		unknownEpochMs: opts.UnknownEpochRetention.Milliseconds(),
	}
	now := opts.NowMs

	out := NewDelayIndex()
	out.FeedTimestamp = incoming.FeedTimestamp
	if out.FeedTimestamp == 0 {
		out.FeedTimestamp = previous.FeedTimestamp
	}
	out.BuiltAtMs = now

	out.ByKey = mergeKeyed(previous.ByKey, incoming.ByKey,
		func(e DelayEntry, ms int64) DelayEntry { e.LastSeenAtMs = ms; return e },
		func(_ string, e DelayEntry) bool { return !p.stale(e.UpdatedDepartureEpoch, e.LastSeenAtMs) },
		now)

	out.StopStatusByKey = mergeKeyed(previous.StopStatusByKey, incoming.StopStatusByKey,
		func(s StopStatus, ms int64) StopStatus { s.LastSeenAtMs = ms; return s },
		func(k string, s StopStatus) bool {
			// a fresh delay for the same stop event replaces an old skip
			if _, ok := incoming.ByKey[k]; ok {
				return false
			}
			return !p.stale(s.UpdatedDepartureEpoch, s.LastSeenAtMs)
		},
		now)

	stampCancel := func(c CancelledTrip, ms int64) CancelledTrip { c.LastSeenAtMs = ms; return c }
	out.CancelledTripByStartKey = mergeKeyed(previous.CancelledTripByStartKey, incoming.CancelledTripByStartKey,
		stampCancel,
		func(k string, c CancelledTrip) bool {
			return !incoming.Mentioned(k) && !p.stale(c.RefEpoch, c.LastSeenAtMs)
		},
		now)
	out.CancelledTripIDs = mergeKeyed(previous.CancelledTripIDs, incoming.CancelledTripIDs,
		stampCancel,
		func(k string, c CancelledTrip) bool {
			return !incoming.Mentioned(k) && !p.stale(c.RefEpoch, c.LastSeenAtMs)
		},
		now)
	out.rebuildCancelledStartDates()

	stampFlags := func(f TripFlags, ms int64) TripFlags {
		f.LastSeenAtMs = ms
		f.Flags = append([]string(nil), f.Flags...)
		return f
	}
	out.TripFlagsByTripID = mergeKeyed(previous.TripFlagsByTripID, incoming.TripFlagsByTripID,
		stampFlags,
		func(k string, f TripFlags) bool {
			return !incoming.Mentioned(k) && !p.stale(f.RefEpoch, f.LastSeenAtMs)
		},
		now)
	out.TripFlagsByTripStartKey = mergeKeyed(previous.TripFlagsByTripStartKey, incoming.TripFlagsByTripStartKey,
		stampFlags,
		func(k string, f TripFlags) bool {
			return !incoming.Mentioned(k) && !p.stale(f.RefEpoch, f.LastSeenAtMs)
		},
		now)

	out.AddedTripStopUpdates = mergeAddedStops(previous, incoming, p, now)
	out.mentioned = nil
	return out
}

func mergeAddedStops(previous, incoming *DelayIndex, p retentionPolicy, now int64) []AddedStop {
	byKey := make(map[string]AddedStop, len(incoming.AddedTripStopUpdates)+len(previous.AddedTripStopUpdates))
	for _, a := range incoming.AddedTripStopUpdates {
		a.LastSeenAtMs = now
		byKey[a.Key()] = a
	}
	for _, a := range previous.AddedTripStopUpdates {
		k := a.Key()
		if _, ok := byKey[k]; ok {
			continue
		}
		if incoming.IsTripCancelled(a.TripID, a.TripStartDate) {
			continue
		}
		if p.stale(a.Epoch(), a.LastSeenAtMs) {
			continue
		}
		byKey[k] = a
	}

	out := make([]AddedStop, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch() != out[j].Epoch() {
			return out[i].Epoch() < out[j].Epoch()
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// EncodeSnapshot serialises a merged index for the parsed feed cache.
func EncodeSnapshot(d *DelayIndex) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delay index: %w", err)
	}
	return b, nil
}

// DecodeSnapshot restores an index written by EncodeSnapshot.
func DecodeSnapshot(b []byte) (*DelayIndex, error) {
	d := NewDelayIndex()
	if err := json.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("%w: delay index snapshot: %w", ErrMalformedPayload, err)
	}
	d.ensureMaps()
	return d, nil
}

func (d *DelayIndex) ensureMaps() {
	if d.ByKey == nil {
		d.ByKey = map[string]DelayEntry{}
	}
	if d.CancelledTripIDs == nil {
		d.CancelledTripIDs = map[string]CancelledTrip{}
	}
	if d.CancelledTripByStartKey == nil {
		d.CancelledTripByStartKey = map[string]CancelledTrip{}
	}
	if d.StopStatusByKey == nil {
		d.StopStatusByKey = map[string]StopStatus{}
	}
	if d.TripFlagsByTripID == nil {
		d.TripFlagsByTripID = map[string]TripFlags{}
	}
	if d.TripFlagsByTripStartKey == nil {
		d.TripFlagsByTripStartKey = map[string]TripFlags{}
	}
	if d.AddedTripStopUpdates == nil {
		d.AddedTripStopUpdates = []AddedStop{}
	}
	d.rebuildCancelledStartDates()
}
