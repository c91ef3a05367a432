package departures

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseDestinationLabel(t *testing.T) {
	tests := []struct {
		name string
		in   DestinationInput
		want string
	}{
		{
			name: "headsign naming the station falls back to route long name",
			in:   DestinationInput{TripHeadsign: "Lausanne, Motte", RouteLongName: "Motte - Bellevaux", StationName: "Lausanne, Motte"},
			want: "Motte - Bellevaux",
		},
		{
			name: "different headsign wins",
			in:   DestinationInput{TripHeadsign: "Lausanne, Bellevaux", RouteLongName: "Motte - Bellevaux", StationName: "Lausanne, Motte"},
			want: "Lausanne, Bellevaux",
		},
		{
			name: "both empty gives station",
			in:   DestinationInput{StationName: "Lausanne, Motte"},
			want: "Lausanne, Motte",
		},
		{
			name: "self destination ignores accents case and punctuation",
			in:   DestinationInput{TripHeadsign: "GENEVE AEROPORT", RouteLongName: "Genève-Aéroport - Lausanne", StationName: "Genève-Aéroport"},
			want: "Genève-Aéroport - Lausanne",
		},
		{
			name: "long name also equal to station",
			in:   DestinationInput{TripHeadsign: "Zürich HB", RouteLongName: "Zurich HB", StationName: "Zürich HB"},
			want: "Zürich HB",
		},
		{
			name: "missing headsign uses long name",
			in:   DestinationInput{RouteLongName: "Bern - Thun", StationName: "Bern"},
			want: "Bern - Thun",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseDestinationLabel(tt.in))
		})
	}
}

func TestFoldPlace(t *testing.T) {
	assert.Equal(t, "geneve aeroport", foldPlace("Genève-Aéroport"))
	assert.Equal(t, "lausanne motte", foldPlace("  Lausanne,   Motte "))
	assert.Equal(t, "", foldPlace("--"))
}
