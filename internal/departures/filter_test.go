package departures

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterRenderableDepartures(t *testing.T) {
	prose := "Unterbruch zwischen Lausanne und Renens wegen Bauarbeiten. Ersatzbusse verkehren."
	rows := []Row{
		{Key: "prose", Line: "S1", Destination: prose},
		{Key: "prose-with-identity", TripID: "T1", Line: "S1", Number: "12345", Destination: prose},
		{Key: "plain", TripID: "T2", Line: "S2", Destination: "Renens VD"},
		{Key: "no-identity-place", Destination: "Renens VD"},
		{Key: "short-disruption", Destination: "Störung auf der Strecke"},
	}

	got := FilterRenderableDepartures(rows)
	var keys []string
	for _, r := range got {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"prose-with-identity", "plain", "no-identity-place"}, keys)
}

func TestLooksLikeProse(t *testing.T) {
	tests := []struct {
		dest string
		want bool
	}{
		{"Genève-Aéroport", false},
		{"Lausanne, Motte", false},
		{"Motte - Bellevaux", false},
		{"St. Gallen", false},
		{"Travaux entre Lausanne et Renens", true},
		{"Line closed: replacement buses run between the two stations.", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeProse(tt.dest))
		})
	}
}
