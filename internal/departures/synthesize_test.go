package departures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

const serviceDate = "20250210"

func boardFixture(t *testing.T) (Input, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)
	at := func(h, m int) time.Time { return time.Date(2025, 2, 10, h, m, 0, 0, loc) }

	stop := func(trip, route string, seq int, dep time.Time) ScheduledStop {
		return ScheduledStop{
			TripID: trip, RouteID: route, ServiceDate: serviceDate,
			StopID: "8501120:0:3", StopSequence: seq,
			Line: "S" + trip[1:], Number: "1" + trip[1:], Headsign: "Genève-Aéroport",
			Category: "S", Platform: "3", Departure: dep,
		}
	}

	idx := realtime.NewDelayIndex()
	idx.ByKey[realtime.Key("T1", "8501120:0:3", 5, serviceDate)] = realtime.DelayEntry{
		TripID: "T1", StopID: "8501120:0:3", StopSequence: 5, TripStartDate: serviceDate,
		DelaySec: 180, DelayMin: 3, HasDelay: true, UpdatedDepartureEpoch: at(18, 8).Unix(),
	}
	idx.StopStatusByKey[realtime.Key("T3", "8501120:0:3", 4, serviceDate)] = realtime.StopStatus{
		TripID: "T3", StopID: "8501120:0:3", StopSequence: 4, TripStartDate: serviceDate,
		Relationship: realtime.StopSkipped,
	}
	idx.CancelledTripIDs["T4"] = realtime.CancelledTrip{TripID: "T4"}
	idx.AddedTripStopUpdates = append(idx.AddedTripStopUpdates, realtime.AddedStop{
		TripID: "TA", RouteID: "RA", StopID: "8501120:0:4", StopSequence: 2,
		TripStartDate: serviceDate, DepartureEpoch: at(18, 15).Unix(), DelaySec: 60,
	}, realtime.AddedStop{
		TripID: "TB", RouteID: "RA", StopID: "8503000:0:1", StopSequence: 2,
		TripStartDate: serviceDate, DepartureEpoch: at(18, 16).Unix(),
	})

	closure := realtime.ServiceAlert{
		ID:               "closure",
		InformedEntities: []realtime.InformedEntity{{RouteID: "R5"}},
		HeaderText:       "Unterbruch Lausanne - Renens",
		DescriptionText:  "Ersatzbusse verkehren.",
		Effect:           realtime.EffectNoService,
	}
	info := realtime.ServiceAlert{
		ID:               "info",
		InformedEntities: []realtime.InformedEntity{{TripID: "T2"}},
		HeaderText:       "Verspätung",
		Effect:           realtime.EffectDetour,
	}

	return Input{
		StationName: "Lausanne",
		StopIDs:     []string{"Parent8501120"},
		Scheduled: []ScheduledStop{
			stop("T1", "R1", 5, at(18, 5)),
			stop("T2", "R2", 7, at(18, 10)),
			stop("T3", "R3", 4, at(18, 12)),
			stop("T4", "R4", 9, at(18, 20)),
			stop("T5", "R5", 2, at(18, 30)),
			stop("T6", "R6", 2, at(17, 30)),
		},
		Delays:   idx,
		Alerts:   []realtime.ServiceAlert{closure, info},
		Routes:   map[string]RouteLabel{"RA": {ShortName: "IR90", LongName: "Brig - Genève", Category: "IR"}},
		Now:      at(18, 0),
		Window:   90 * time.Minute,
		Location: loc,
	}, loc
}

func rowsByTrip(rows []Row) map[string]Row {
	out := make(map[string]Row, len(rows))
	for _, r := range rows {
		out[r.TripID] = r
	}
	return out
}

func TestSynthesizeBoard(t *testing.T) {
	in, loc := boardFixture(t)
	rows := Synthesize(in)
	byTrip := rowsByTrip(rows)

	require.Len(t, rows, 7)
	assert.NotContains(t, byTrip, "T6", "departed before the window")
	assert.NotContains(t, byTrip, "TB", "added stop elsewhere")

	t1 := byTrip["T1"]
	assert.Equal(t, SourceTripUpdate, t1.Source)
	require.NotNil(t, t1.DelayMin)
	assert.Equal(t, 3, *t1.DelayMin)
	assert.WithinDuration(t, time.Date(2025, 2, 10, 18, 8, 0, 0, loc), t1.RealtimeDeparture, 0)
	assert.Equal(t, "Genève-Aéroport", t1.Destination)

	t2 := byTrip["T2"]
	assert.Equal(t, SourceScheduled, t2.Source)
	assert.Nil(t, t2.DelayMin)
	assert.True(t, t2.RealtimeDeparture.IsZero())
	require.Len(t, t2.Alerts, 1)
	assert.Equal(t, "info", t2.Alerts[0].ID)
	assert.False(t, t2.Cancelled)

	t3 := byTrip["T3"]
	assert.True(t, t3.Cancelled)
	assert.Equal(t, ReasonSkippedStop, t3.CancelReasonCode)
	assert.Equal(t, SourceTripUpdate, t3.Source)

	t4 := byTrip["T4"]
	assert.True(t, t4.Cancelled)
	assert.Equal(t, ReasonCanceledTrip, t4.CancelReasonCode)

	t5 := byTrip["T5"]
	assert.True(t, t5.Cancelled)
	assert.Equal(t, ReasonAlertNoService, t5.CancelReasonCode)
	assert.Equal(t, SourceScheduled, t5.Source)

	ev := byTrip["synthetic:closure:T5"]
	assert.Equal(t, SourceSyntheticAlert, ev.Source)
	assert.Equal(t, ReplacementLine, ev.Line)
	assert.Equal(t, "S5", ev.Number)
	assert.Equal(t, "Genève-Aéroport", ev.Destination)
	assert.WithinDuration(t, t5.ScheduledDeparture, ev.ScheduledDeparture, 0)
	assert.False(t, ev.Cancelled)
	assert.Contains(t, ev.Flags, realtime.FlagReplacement)

	added := byTrip["TA"]
	assert.Equal(t, SourceRTAdded, added.Source)
	assert.Equal(t, "IR90", added.Line)
	assert.Equal(t, "Brig - Genève", added.Destination)
	assert.WithinDuration(t, time.Date(2025, 2, 10, 18, 14, 0, 0, loc), added.ScheduledDeparture, 0)
	require.NotNil(t, added.DelayMin)
	assert.Equal(t, 1, *added.DelayMin)

	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Departure().Before(rows[i-1].Departure()), "rows sorted by departure")
	}
}

func TestSynthesizeLimitAndWindow(t *testing.T) {
	in, _ := boardFixture(t)

	in.Limit = 2
	rows := Synthesize(in)
	require.Len(t, rows, 2)
	assert.Equal(t, "T1", rows[0].TripID)
	assert.Equal(t, "T2", rows[1].TripID)

	in.Limit = 0
	in.Window = 15 * time.Minute
	rows = Synthesize(in)
	for _, r := range rows {
		assert.False(t, r.Departure().After(in.Now.Add(15*time.Minute)), r.TripID)
	}
	assert.Len(t, rows, 4)
}

func TestSynthesizePropagatesEarlierDelay(t *testing.T) {
	loc := time.UTC
	dep := time.Date(2025, 2, 10, 18, 20, 0, 0, loc)
	idx := realtime.NewDelayIndex()
	idx.ByKey[realtime.Key("T1", "A", 3, serviceDate)] = realtime.DelayEntry{
		TripID: "T1", StopID: "A", StopSequence: 3, TripStartDate: serviceDate,
		DelaySec: 125, DelayMin: 2, HasDelay: true,
	}

	rows := Synthesize(Input{
		StationName: "B",
		StopIDs:     []string{"B"},
		Scheduled: []ScheduledStop{{
			TripID: "T1", ServiceDate: serviceDate, StopID: "B", StopSequence: 5,
			Line: "1", Headsign: "C", Departure: dep,
		}},
		Delays:   idx,
		Now:      dep.Add(-10 * time.Minute),
		Location: loc,
	})

	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].DelayMin)
	assert.Equal(t, 2, *rows[0].DelayMin)
	assert.WithinDuration(t, dep.Add(125*time.Second), rows[0].RealtimeDeparture, 0)
	assert.Contains(t, rows[0].Flags, FlagPropagatedDelay)
	assert.Equal(t, SourceTripUpdate, rows[0].Source)
}

func TestSynthesizeSupplementRows(t *testing.T) {
	loc := time.UTC
	dep := time.Date(2025, 2, 10, 18, 20, 0, 0, loc)
	extra := realtime.ServiceAlert{ID: "extra", HeaderText: "Extrazug nach Bern", Effect: realtime.EffectAdditionalService}

	rows := Synthesize(Input{
		StationName: "Thun",
		StopIDs:     []string{"Parent8507100"},
		Scheduled: []ScheduledStop{{
			TripID: "T1", ServiceDate: serviceDate, StopID: "8507100:0:1", StopSequence: 1,
			Line: "IC6", Headsign: "Bern", Departure: dep,
		}},
		Supplement: []SupplementStop{
			{ScheduledStop: ScheduledStop{TripID: "X1", ServiceDate: serviceDate, StopID: "8507100:0:2", StopSequence: 1,
				Line: "EXT", Number: "39999", Headsign: "Bern", Departure: dep.Add(5 * time.Minute)}, AlertID: "extra"},
			{ScheduledStop: ScheduledStop{TripID: "T1", StopID: "8507100:0:1", Departure: dep}, AlertID: "extra"},
		},
		Alerts:   []realtime.ServiceAlert{extra},
		Now:      dep.Add(-5 * time.Minute),
		Location: loc,
	})

	require.Len(t, rows, 2)
	assert.Equal(t, SourceSupplement, rows[1].Source)
	assert.Equal(t, "X1", rows[1].TripID)
	require.Len(t, rows[1].Alerts, 1)
	assert.Equal(t, "extra", rows[1].Alerts[0].ID)

	audit := BuildDepartureAudit(rows)
	assert.Equal(t, []SourceTag{TagAlert}, audit[1].SourceTags)
	assert.Equal(t, []string{"extra"}, audit[1].AlertIDs)
}

func TestSynthesizeWithoutRealtime(t *testing.T) {
	in, _ := boardFixture(t)
	in.Delays = nil
	in.Alerts = nil

	rows := Synthesize(in)
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.Equal(t, SourceScheduled, r.Source, r.TripID)
		assert.False(t, r.Cancelled)
	}
}
