package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/gtfsdb"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/departures"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

type fakeSchedule struct {
	station   *gtfsdb.Station
	scheduled []gtfsdb.Departure
	trips     []gtfsdb.Departure
	routes    map[string]gtfsdb.Route
	err       error
	tripCalls [][]string
}

func (f *fakeSchedule) StationForStop(_ context.Context, stopID string) (*gtfsdb.Station, error) {
	if f.station == nil {
		return nil, gtfsdb.ErrStopNotFound
	}
	return f.station, nil
}

func (f *fakeSchedule) ScheduledDepartures(context.Context, []string, time.Time, time.Time, *time.Location) ([]gtfsdb.Departure, error) {
	return f.scheduled, f.err
}

func (f *fakeSchedule) TripDepartures(_ context.Context, tripIDs, _ []string, _ time.Time, _ *time.Location) ([]gtfsdb.Departure, error) {
	f.tripCalls = append(f.tripCalls, tripIDs)
	return f.trips, nil
}

func (f *fakeSchedule) RoutesByID(context.Context, []string) (map[string]gtfsdb.Route, error) {
	return f.routes, nil
}

type fakeHeartbeat struct {
	hb  *feedcache.Heartbeat
	err error
}

func (f fakeHeartbeat) GetHeartbeat(context.Context) (*feedcache.Heartbeat, error) {
	return f.hb, f.err
}

var boardNow = time.Date(2025, 2, 10, 18, 0, 0, 0, time.UTC)

func lausanneSchedule() *fakeSchedule {
	dep := func(trip string, minutes int, platform string) gtfsdb.Departure {
		return gtfsdb.Departure{
			TripID: trip, RouteID: "R1", ServiceDate: "20250210", StopID: "8501120:0:" + platform,
			StopSequence: 1, RouteShortName: "S1", RouteDesc: "S", TripShortName: "12345",
			Headsign: "Genève-Aéroport", Platform: platform, Departure: boardNow.Add(time.Duration(minutes) * time.Minute),
		}
	}
	return &fakeSchedule{
		station: &gtfsdb.Station{ID: "Parent8501120", Name: "Lausanne",
			StopIDs: []string{"Parent8501120", "8501120:0:3", "8501120:0:4"}},
		scheduled: []gtfsdb.Departure{dep("T1", 5, "3"), dep("T2", 10, "4")},
	}
}

func staticLoader[T any](name string, data T, meta loader.Meta) *loader.Loader[T] {
	return loader.New(loader.Config[T]{
		Name: name,
		LoadParsed: func(context.Context) (loader.Envelope[T], error) {
			return loader.Envelope[T]{Data: data, Meta: meta}, nil
		},
		Clock: clock.NewMockClock(boardNow),
	})
}

func delayedT1() *realtime.DelayIndex {
	idx := realtime.NewDelayIndex()
	idx.ByKey[realtime.Key("T1", "8501120:0:3", 1, "20250210")] = realtime.DelayEntry{
		TripID: "T1", StopID: "8501120:0:3", StopSequence: 1, TripStartDate: "20250210",
		DelaySec: 240, DelayMin: 4, HasDelay: true, UpdatedDepartureEpoch: boardNow.Add(9 * time.Minute).Unix(),
	}
	return idx
}

func newService(sched Schedule, tu *loader.Loader[*realtime.DelayIndex], al *loader.Loader[[]realtime.ServiceAlert], hb HeartbeatReader, logs *bytes.Buffer) *Service {
	var logger *slog.Logger
	if logs != nil {
		logger = slog.New(slog.NewJSONHandler(logs, nil))
	}
	return NewService(Config{
		Schedule:    sched,
		TripUpdates: tu,
		Alerts:      al,
		Heartbeat:   hb,
		Clock:       clock.NewMockClock(boardNow),
		Location:    time.UTC,
		Logger:      logger,
	})
}

func TestDeparturesAppliesRealtime(t *testing.T) {
	svc := newService(lausanneSchedule(),
		staticLoader("tripupdates", delayedT1(), loader.Meta{Applied: true}),
		staticLoader("alerts", []realtime.ServiceAlert{}, loader.Meta{Applied: true}),
		nil, nil)

	b, err := svc.Departures(context.Background(), Request{StopID: "8501120:0:3"})
	require.NoError(t, err)

	assert.Equal(t, "Parent8501120", b.Station.ID)
	require.Len(t, b.Departures, 2)
	assert.Equal(t, "T1", b.Departures[0].TripID)
	require.NotNil(t, b.Departures[0].DelayMin)
	assert.Equal(t, 4, *b.Departures[0].DelayMin)
	assert.Equal(t, departures.SourceTripUpdate, b.Departures[0].Source)
	assert.Equal(t, departures.SourceScheduled, b.Departures[1].Source)

	assert.True(t, b.Meta.RTApplied)
	assert.False(t, b.Meta.ScheduledOnly)
	assert.Equal(t, loader.SourceParsed, b.Meta.RTSource)
	assert.Equal(t, loader.SourceParsed, b.Meta.AlertsSource)
	assert.Nil(t, b.Debug)
}

func TestDeparturesDegradesToScheduleOnly(t *testing.T) {
	var logs bytes.Buffer
	svc := newService(lausanneSchedule(),
		staticLoader[*realtime.DelayIndex]("tripupdates", nil, loader.Meta{Reason: ReasonMissingCache}),
		staticLoader[[]realtime.ServiceAlert]("alerts", nil, loader.Meta{Reason: ReasonMissingCache}),
		nil, &logs)

	b, err := svc.Departures(context.Background(), Request{StopID: "Parent8501120"})
	require.NoError(t, err, "missing real-time data never fails the board")

	require.Len(t, b.Departures, 2)
	for _, row := range b.Departures {
		assert.Equal(t, departures.SourceScheduled, row.Source)
		assert.Nil(t, row.DelayMin)
	}
	assert.True(t, b.Meta.ScheduledOnly)
	assert.Equal(t, ReasonMissingCache, b.Meta.RTReason)
	assert.Equal(t, ReasonMissingCache, b.Meta.AlertsReason)
	assert.Contains(t, logs.String(), "board_scheduled_only")

	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"rtReason":"missing_cache"`)
	assert.Contains(t, string(out), `"alerts":[]`)
}

func TestDeparturesWithoutLoaders(t *testing.T) {
	svc := newService(lausanneSchedule(), nil, nil, nil, nil)

	b, err := svc.Departures(context.Background(), Request{StopID: "8501120"})
	require.NoError(t, err)
	assert.Len(t, b.Departures, 2)
	assert.True(t, b.Meta.ScheduledOnly)
	assert.Equal(t, ReasonMissingCache, b.Meta.RTReason)
}

func TestDeparturesDebugAddsAuditAndHeartbeat(t *testing.T) {
	hb := &feedcache.Heartbeat{
		UpdatedAt:            boardNow.Add(-5 * time.Second),
		TripUpdatesUpdatedAt: boardNow.Add(-15 * time.Second),
		LastError:            "upstream 502",
	}
	svc := newService(lausanneSchedule(),
		staticLoader("tripupdates", delayedT1(), loader.Meta{Applied: true}),
		staticLoader("alerts", []realtime.ServiceAlert{}, loader.Meta{Applied: true}),
		fakeHeartbeat{hb: hb}, nil)

	b, err := svc.Departures(context.Background(), Request{StopID: "8501120:0:3", Debug: true})
	require.NoError(t, err)
	require.NotNil(t, b.Debug)

	require.Len(t, b.Debug.Audit, len(b.Departures))
	assert.Equal(t, []departures.SourceTag{departures.TagTripUpdate}, b.Debug.Audit[0].SourceTags)
	assert.Equal(t, 2, b.Debug.ScheduledCount)
	assert.Equal(t, 1, b.Debug.DelayIndex.Entries)

	require.NotNil(t, b.Debug.Heartbeat.PollerHeartbeatAgeMs)
	assert.Equal(t, int64(5000), *b.Debug.Heartbeat.PollerHeartbeatAgeMs)
	require.NotNil(t, b.Debug.Heartbeat.PollerTripupdatesAgeMs)
	assert.Equal(t, int64(15000), *b.Debug.Heartbeat.PollerTripupdatesAgeMs)
	assert.Nil(t, b.Debug.Heartbeat.PollerAlertsAgeMs)
	require.NotNil(t, b.Debug.Heartbeat.PollerLastError)
	assert.Equal(t, "upstream 502", *b.Debug.Heartbeat.PollerLastError)
}

func TestDeparturesDebugHeartbeatError(t *testing.T) {
	svc := newService(lausanneSchedule(), nil, nil, fakeHeartbeat{err: errors.New("db down")}, nil)

	b, err := svc.Departures(context.Background(), Request{StopID: "8501120:0:3", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, "db down", b.Debug.HeartbeatError)
	assert.Nil(t, b.Debug.Heartbeat.PollerHeartbeatAgeMs)
}

func TestDeparturesSupplementFromAdditionalService(t *testing.T) {
	sched := lausanneSchedule()
	sched.trips = []gtfsdb.Departure{{
		TripID: "X1", RouteID: "R9", ServiceDate: "20250210", StopID: "8501120:0:4", StopSequence: 1,
		RouteShortName: "EXT", Headsign: "Bern", Departure: boardNow.Add(20 * time.Minute),
	}}
	extra := realtime.ServiceAlert{
		ID:               "extra",
		HeaderText:       "Extrazug nach Bern",
		Effect:           realtime.EffectAdditionalService,
		InformedEntities: []realtime.InformedEntity{{TripID: "X1"}, {StopID: "8501120"}},
	}
	svc := newService(sched, nil,
		staticLoader("alerts", []realtime.ServiceAlert{extra}, loader.Meta{Applied: true}),
		nil, nil)

	b, err := svc.Departures(context.Background(), Request{StopID: "8501120:0:3"})
	require.NoError(t, err)

	require.Len(t, sched.tripCalls, 1)
	assert.Equal(t, []string{"X1"}, sched.tripCalls[0])
	require.Len(t, b.Departures, 3)
	assert.Equal(t, "X1", b.Departures[2].TripID)
	assert.Equal(t, departures.SourceSupplement, b.Departures[2].Source)
	require.Len(t, b.Alerts, 1, "station alert is listed above the board")
	assert.Equal(t, "extra", b.Alerts[0].ID)
}

func TestDeparturesErrors(t *testing.T) {
	svc := newService(&fakeSchedule{}, nil, nil, nil, nil)

	_, err := svc.Departures(context.Background(), Request{StopID: "  "})
	assert.ErrorIs(t, err, ErrMissingStopID)

	_, err = svc.Departures(context.Background(), Request{StopID: "8599999"})
	assert.ErrorIs(t, err, ErrStopNotFound)

	sched := lausanneSchedule()
	sched.err = errors.New("static db gone")
	svc = newService(sched, nil, nil, nil, nil)
	_, err = svc.Departures(context.Background(), Request{StopID: "8501120"})
	assert.EqualError(t, err, "static db gone")
}

func TestClampLimitAndWindow(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, 5, clampLimit(5))
	assert.Equal(t, MaxLimit, clampLimit(10_000))

	assert.Equal(t, DefaultWindow, clampWindow(0, DefaultWindow))
	assert.Equal(t, 30*time.Minute, clampWindow(30*time.Minute, DefaultWindow))
	assert.Equal(t, MaxWindow, clampWindow(48*time.Hour, DefaultWindow))
}
