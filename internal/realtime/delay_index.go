// Package realtime holds the merged real-time view of the trip update feed
// (DelayIndex), the delta merge that folds each poll into it, and the
// GTFS-RT decoders for trip updates and service alerts.
package realtime

import (
	"sort"
	"strconv"
	"sync"
)

// StopRelationship mirrors the GTFS-RT StopTimeUpdate schedule relationship.
type StopRelationship string

const (
	StopScheduled   StopRelationship = "SCHEDULED"
	StopSkipped     StopRelationship = "SKIPPED"
	StopNoData      StopRelationship = "NO_DATA"
	StopUnscheduled StopRelationship = "UNSCHEDULED"
)

// Trip flags carried in TripFlags.Flags.
const (
	FlagReplacement = "replacement"
	FlagAdded       = "added"
	FlagDuplicated  = "duplicated"
)

// NoStopSequence marks an update that only identified its stop by id.
const NoStopSequence = -1

type DelayEntry struct {
	TripID                string `json:"tripId"`
	StopID                string `json:"stopId"`
	StopSequence          int    `json:"stopSequence"`
	DelaySec              int    `json:"delaySec"`
	DelayMin              int    `json:"delayMin"`
	HasDelay              bool   `json:"hasDelay"`
	UpdatedDepartureEpoch int64  `json:"updatedDepartureEpoch"`
	TripStartDate         string `json:"tripStartDate"`
	LastSeenAtMs          int64  `json:"lastSeenAtMs"`
}

type CancelledTrip struct {
	TripID        string `json:"tripId"`
	TripStartDate string `json:"tripStartDate,omitempty"`
	RouteID       string `json:"routeId,omitempty"`
	RefEpoch      int64  `json:"refEpoch,omitempty"`
	LastSeenAtMs  int64  `json:"lastSeenAtMs"`
}

type StopStatus struct {
	TripID                string           `json:"tripId"`
	StopID                string           `json:"stopId"`
	StopSequence          int              `json:"stopSequence"`
	TripStartDate         string           `json:"tripStartDate"`
	Relationship          StopRelationship `json:"relationship"`
	UpdatedDepartureEpoch int64            `json:"updatedDepartureEpoch,omitempty"`
	LastSeenAtMs          int64            `json:"lastSeenAtMs"`
}

type TripFlags struct {
	TripID        string   `json:"tripId"`
	TripStartDate string   `json:"tripStartDate,omitempty"`
	RouteID       string   `json:"routeId,omitempty"`
	Flags         []string `json:"flags,omitempty"`
	TripDelaySec  int      `json:"tripDelaySec,omitempty"`
	HasTripDelay  bool     `json:"hasTripDelay,omitempty"`
	RefEpoch      int64    `json:"refEpoch,omitempty"`
	LastSeenAtMs  int64    `json:"lastSeenAtMs"`
}

// Has reports whether flag is set.
func (f TripFlags) Has(flag string) bool {
	for _, v := range f.Flags {
		if v == flag {
			return true
		}
	}
	return false
}

// AddedStop is a stop event of a trip the static schedule does not know.
type AddedStop struct {
	TripID         string `json:"tripId"`
	RouteID        string `json:"routeId,omitempty"`
	StopID         string `json:"stopId"`
	StopSequence   int    `json:"stopSequence"`
	TripStartDate  string `json:"tripStartDate,omitempty"`
	DepartureEpoch int64  `json:"departureEpoch,omitempty"`
	ArrivalEpoch   int64  `json:"arrivalEpoch,omitempty"`
	DelaySec       int    `json:"delaySec,omitempty"`
	LastSeenAtMs   int64  `json:"lastSeenAtMs"`
}

// Key returns the composite key of the added stop.
func (a AddedStop) Key() string {
	return Key(a.TripID, a.StopID, a.StopSequence, a.TripStartDate)
}

// Epoch is the departure time, falling back to the arrival time.
func (a AddedStop) Epoch() int64 {
	if a.DepartureEpoch != 0 {
		return a.DepartureEpoch
	}
	return a.ArrivalEpoch
}

// DelayIndex is an immutable snapshot once published; only Merge and the
// decoders build new ones.
type DelayIndex struct {
	ByKey                           map[string]DelayEntry    `json:"byKey"`
	CancelledTripIDs                map[string]CancelledTrip `json:"cancelledTripIds"`
	CancelledTripByStartKey         map[string]CancelledTrip `json:"cancelledTripByStartKey"`
	CancelledTripStartDatesByTripID map[string][]string      `json:"cancelledTripStartDatesByTripId"`
	StopStatusByKey                 map[string]StopStatus    `json:"stopStatusByKey"`
	TripFlagsByTripID               map[string]TripFlags     `json:"tripFlagsByTripId"`
	TripFlagsByTripStartKey         map[string]TripFlags     `json:"tripFlagsByTripStartKey"`
	AddedTripStopUpdates            []AddedStop              `json:"addedTripStopUpdates"`

	FeedTimestamp int64 `json:"feedTimestamp,omitempty"`
	BuiltAtMs     int64 `json:"builtAtMs,omitempty"`

	// mentioned holds the trip ids and trip start keys a decoded poll
	// referred to. Merge uses it to let a re-sent trip clear earlier
	// cancellations and flags.
	mentioned map[string]struct{}

	tripOnce sync.Once
	byTrip   map[string][]DelayEntry
}

func NewDelayIndex() *DelayIndex {
	return &DelayIndex{
		ByKey:                           map[string]DelayEntry{},
		CancelledTripIDs:                map[string]CancelledTrip{},
		CancelledTripByStartKey:         map[string]CancelledTrip{},
		CancelledTripStartDatesByTripID: map[string][]string{},
		StopStatusByKey:                 map[string]StopStatus{},
		TripFlagsByTripID:               map[string]TripFlags{},
		TripFlagsByTripStartKey:         map[string]TripFlags{},
		AddedTripStopUpdates:            []AddedStop{},
		mentioned:                       map[string]struct{}{},
	}
}

// Key builds the composite key tripId|stopId|stopSequence|tripStartDate.
// An unknown stop sequence leaves its slot empty.
func Key(tripID, stopID string, stopSequence int, tripStartDate string) string {
	seq := ""
	if stopSequence >= 0 {
		seq = strconv.Itoa(stopSequence)
	}
	return tripID + "|" + stopID + "|" + seq + "|" + tripStartDate
}

// TripStartKey identifies one service-day instance of a trip.
func TripStartKey(tripID, tripStartDate string) string {
	return tripID + "|" + tripStartDate
}

// Mentioned reports whether the decoded poll referred to the trip id or
// trip start key.
func (d *DelayIndex) Mentioned(key string) bool {
	_, ok := d.mentioned[key]
	return ok
}

func (d *DelayIndex) mention(tripID, startDate string) {
	if d.mentioned == nil {
		d.mentioned = map[string]struct{}{}
	}
	d.mentioned[tripID] = struct{}{}
	d.mentioned[TripStartKey(tripID, startDate)] = struct{}{}
}

// IsTripCancelled reports a full-trip cancellation for the trip instance.
func (d *DelayIndex) IsTripCancelled(tripID, startDate string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.CancelledTripIDs[tripID]; ok {
		return true
	}
	if startDate != "" {
		_, ok := d.CancelledTripByStartKey[TripStartKey(tripID, startDate)]
		return ok
	}
	return len(d.CancelledTripStartDatesByTripID[tripID]) > 0
}

// StopStatus returns the per-stop status for the exact key, then for the
// same stop without a start date.
func (d *DelayIndex) StopStatus(tripID, stopID string, seq int, startDate string) (StopStatus, bool) {
	if d == nil {
		return StopStatus{}, false
	}
	if s, ok := d.StopStatusByKey[Key(tripID, stopID, seq, startDate)]; ok {
		return s, true
	}
	if startDate != "" {
		if s, ok := d.StopStatusByKey[Key(tripID, stopID, seq, "")]; ok {
			return s, true
		}
	}
	if seq >= 0 {
		if s, ok := d.StopStatusByKey[Key(tripID, stopID, NoStopSequence, startDate)]; ok {
			return s, true
		}
	}
	return StopStatus{}, false
}

// Flags returns the trip flags for the trip instance, falling back to the
// trip id alone.
func (d *DelayIndex) Flags(tripID, startDate string) (TripFlags, bool) {
	if d == nil {
		return TripFlags{}, false
	}
	if startDate != "" {
		if f, ok := d.TripFlagsByTripStartKey[TripStartKey(tripID, startDate)]; ok {
			return f, true
		}
	}
	f, ok := d.TripFlagsByTripID[tripID]
	return f, ok
}

// LookupResult is a delay entry found for a scheduled stop event.
type LookupResult struct {
	Entry DelayEntry
	// Propagated is set when the entry belongs to an earlier stop of the
	// same trip and its delay was carried forward.
	Propagated bool
}

// Lookup finds the delay for a scheduled stop event: the exact key first,
// then the same stop without start date or sequence, and finally the
// closest preceding stop of the same trip instance.
func (d *DelayIndex) Lookup(tripID, stopID string, seq int, startDate string) (LookupResult, bool) {
	if d == nil {
		return LookupResult{}, false
	}
	candidates := []string{Key(tripID, stopID, seq, startDate)}
	if startDate != "" {
		candidates = append(candidates, Key(tripID, stopID, seq, ""))
	}
	if seq >= 0 {
		candidates = append(candidates, Key(tripID, stopID, NoStopSequence, startDate))
	}
	for _, k := range candidates {
		if e, ok := d.ByKey[k]; ok {
			return LookupResult{Entry: e}, true
		}
	}
	if seq < 0 {
		return LookupResult{}, false
	}

	var best DelayEntry
	found := false
	for _, e := range d.tripEntries(tripID) {
		if e.TripStartDate != "" && startDate != "" && e.TripStartDate != startDate {
			continue
		}
		if e.StopSequence < 0 || e.StopSequence >= seq || !e.HasDelay {
			continue
		}
		if !found || e.StopSequence > best.StopSequence {
			best, found = e, true
		}
	}
	if !found {
		return LookupResult{}, false
	}
	return LookupResult{Entry: best, Propagated: true}, true
}

func (d *DelayIndex) tripEntries(tripID string) []DelayEntry {
	d.tripOnce.Do(func() {
		d.byTrip = make(map[string][]DelayEntry)
		for _, e := range d.ByKey {
			d.byTrip[e.TripID] = append(d.byTrip[e.TripID], e)
		}
	})
	return d.byTrip[tripID]
}

// AddedStopsFor returns the feed-added stop events matching the predicate.
func (d *DelayIndex) AddedStopsFor(match func(stopID string) bool) []AddedStop {
	if d == nil {
		return nil
	}
	var out []AddedStop
	for _, a := range d.AddedTripStopUpdates {
		if match(a.StopID) {
			out = append(out, a)
		}
	}
	return out
}

// Stats summarises sub-structure sizes for metrics and debug output.
type Stats struct {
	Entries         int `json:"entries"`
	CancelledTrips  int `json:"cancelledTrips"`
	StopStatuses    int `json:"stopStatuses"`
	FlaggedTrips    int `json:"flaggedTrips"`
	AddedStopEvents int `json:"addedStopEvents"`
}

func (d *DelayIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		Entries:         len(d.ByKey),
		CancelledTrips:  len(d.CancelledTripIDs) + len(d.CancelledTripByStartKey),
		StopStatuses:    len(d.StopStatusByKey),
		FlaggedTrips:    len(d.TripFlagsByTripID),
		AddedStopEvents: len(d.AddedTripStopUpdates),
	}
}

func (d *DelayIndex) rebuildCancelledStartDates() {
	d.CancelledTripStartDatesByTripID = map[string][]string{}
	for _, c := range d.CancelledTripByStartKey {
		d.CancelledTripStartDatesByTripID[c.TripID] = append(d.CancelledTripStartDatesByTripID[c.TripID], c.TripStartDate)
	}
	for _, dates := range d.CancelledTripStartDatesByTripID {
		sort.Strings(dates)
	}
}
