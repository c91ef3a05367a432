package departures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

func TestBuildDepartureAuditTable(t *testing.T) {
	tests := []struct {
		source Source
		tags   []SourceTag
		exists string
	}{
		{SourceScheduled, []SourceTag{TagStatic}, "scheduled"},
		{SourceTripUpdate, []SourceTag{TagTripUpdate}, "realtime_tripupdate_merge"},
		{SourceRTAdded, []SourceTag{TagTripUpdate}, "realtime_added_trip"},
		{SourceSyntheticAlert, []SourceTag{TagAlert, TagSynthesis}, "injected_replacement"},
		{SourceSupplement, []SourceTag{TagAlert}, "supplement_replacement"},
		{SourceOther, []SourceTag{}, "unknown"},
		{SourceUnknown, []SourceTag{}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.source.String(), func(t *testing.T) {
			audit := BuildDepartureAudit([]Row{{Key: "k", Source: tt.source}})
			require.Len(t, audit, 1)
			assert.Equal(t, tt.tags, audit[0].SourceTags)
			assert.Equal(t, tt.exists, audit[0].ExistsBecause)
			assert.Nil(t, audit[0].CancelledBecause)
		})
	}
}

func TestBuildDepartureAuditNeverLeaksTags(t *testing.T) {
	allowed := map[SourceTag]bool{TagStatic: true, TagTripUpdate: true, TagAlert: true, TagSynthesis: true}
	inputs := []string{"scheduled", "tripupdate", "rt_added", "synthetic_alert", "supplement", "other", "", "STATIC", "bogus", "alert"}

	for _, in := range inputs {
		for _, a := range BuildDepartureAudit([]Row{{Source: ParseSource(in)}}) {
			for _, tag := range a.SourceTags {
				assert.True(t, allowed[tag], "input %q produced tag %q", in, tag)
			}
		}
	}
	for s := Source(-3); s < Source(20); s++ {
		for _, tag := range s.Tags() {
			assert.True(t, allowed[tag], "source %d produced tag %q", s, tag)
		}
	}
}

func TestBuildDepartureAuditCancellationAndAlerts(t *testing.T) {
	rows := []Row{
		{Key: "a", Source: SourceTripUpdate, Cancelled: true, CancelReasonCode: ReasonSkippedStop},
		{Key: "b", Source: SourceTripUpdate, Cancelled: true, CancelReasonCode: ReasonCanceledTrip},
		{Key: "c", Source: SourceScheduled, Cancelled: true, CancelReasonCode: ReasonAlertNoService,
			Alerts: []realtime.ServiceAlert{{ID: "al-1"}, {ID: "al-2"}}},
		{Key: "d", Source: SourceScheduled, Cancelled: true, CancelReasonCode: "WEIRD"},
		{Key: "e", Source: SourceScheduled, CancelReasonCode: ReasonSkippedStop},
	}

	audit := BuildDepartureAudit(rows)
	require.Len(t, audit, 5)
	assert.Equal(t, "stop_skipped", *audit[0].CancelledBecause)
	assert.Equal(t, "trip_cancelled", *audit[1].CancelledBecause)
	assert.Equal(t, "alert_no_service", *audit[2].CancelledBecause)
	assert.Equal(t, []string{"al-1", "al-2"}, audit[2].AlertIDs)
	assert.Equal(t, "other", *audit[3].CancelledBecause)
	assert.Nil(t, audit[4].CancelledBecause, "not cancelled")
	assert.Empty(t, audit[4].AlertIDs)
}
