package departures

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"scheduled", SourceScheduled},
		{"tripupdate", SourceTripUpdate},
		{"rt_added", SourceRTAdded},
		{"synthetic_alert", SourceSyntheticAlert},
		{"supplement", SourceSupplement},
		{"other", SourceOther},
		{" Scheduled ", SourceScheduled},
		{"", SourceUnknown},
		{"vehicle_position", SourceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSource(tt.in))
		})
	}
}

func TestSourceJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Source Source `json:"source"`
	}{SourceSyntheticAlert})
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"synthetic_alert"}`, string(b))

	var decoded struct {
		Source Source `json:"source"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"source":"mystery"}`), &decoded))
	assert.Equal(t, SourceUnknown, decoded.Source)
	assert.Equal(t, "unknown", decoded.Source.String())
}
