package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zurich(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)
	return loc
}

func TestParseWindowRecurring(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		start int
		end   int
	}{
		{"english nightly", "Every night from 23:00 to 05:00 the line is closed.", 23 * 60, 5 * 60},
		{"german nightly", "Bauarbeiten: jede Nacht von 21:00 bis 05:00 Uhr.", 21 * 60, 5 * 60},
		{"french with à", "Travaux chaque nuit de 21h00 à 05h00.", 21 * 60, 5 * 60},
		{"french with 24h clock", "Toutes les nuits de 22:15 à 04:45, bus de remplacement.", 22*60 + 15, 4*60 + 45},
		{"italian", "Ogni notte dalle 23.30 alle 05.00.", 23*60 + 30, 5 * 60},
		{"daytime daily", "Täglich von 09:00 bis 16:00 Umleitung.", 9 * 60, 16 * 60},
		{"bare midnight crossing", "Closure 21:00 - 05:00, replacement buses.", 21 * 60, 5 * 60},
		{"english trailing keyword", "No trains between 23:00 and 05:00 every night.", 23 * 60, 5 * 60},
		{"german trailing keyword", "Kein Zugverkehr zwischen 22:00 und 05:00 Uhr jede Nacht.", 22 * 60, 5 * 60},
		{"french trailing keyword", "Pas de trains entre 23h00 et 05h00 chaque nuit.", 23 * 60, 5 * 60},
		{"bare range with and", "Buses replace trains between 22:30 and 04:30.", 22*60 + 30, 4*60 + 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ParseWindow(tt.text, zurich(t))
			require.Equal(t, RecurringDaily, w.Kind, w.Kind.String())
			assert.Equal(t, tt.start, w.StartMinute)
			assert.Equal(t, tt.end, w.EndMinute)
		})
	}
}

func TestParseWindowAbsolute(t *testing.T) {
	loc := zurich(t)
	tests := []struct {
		name string
		text string
	}{
		{"german", "Unterbruch vom 10.02.2025, 22:00 bis 11.02.2025, 05:30 wegen Bauarbeiten."},
		{"english", "Closed 10.02.2025, 22:00 until 11.02.2025, 05:30."},
		{"french", "Interruption du 10.02.2025, 22h00 au 11.02.2025, 05h30."},
		{"absolute wins over nightly wording", "Jede Nacht: 10.02.2025, 22:00 bis 11.02.2025, 05:30."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ParseWindow(tt.text, loc)
			require.Equal(t, AbsoluteRange, w.Kind, w.Kind.String())
			assert.Equal(t, time.Date(2025, 2, 10, 22, 0, 0, 0, loc), w.Start)
			assert.Equal(t, time.Date(2025, 2, 11, 5, 30, 0, 0, loc), w.End)
		})
	}
}

func TestParseWindowNone(t *testing.T) {
	for _, text := range []string{
		"",
		"Störung zwischen Bern und Thun.",
		"Daytime works 09:00 - 16:00",
		"Am 10.02.2025 von 21:00 bis 05:00 gesperrt.",
	} {
		t.Run(text, func(t *testing.T) {
			assert.Equal(t, NoWindow, ParseWindow(text, time.UTC).Kind)
		})
	}
}

func TestParseWindowContextStart(t *testing.T) {
	w := ParseWindow("Jede Nacht von 01:00 bis 05:00 Uhr gesperrt. Ersatzbusse ab ca. 22:00.", time.UTC)
	require.Equal(t, RecurringDaily, w.Kind)
	assert.Equal(t, 22*60, w.ContextStartMinute)
	assert.Equal(t, 22*60, w.EffectiveStartMinute())

	w = ParseWindow("Every night from 01:00 to 05:00.", time.UTC)
	assert.Equal(t, NoContextStart, w.ContextStartMinute)
	assert.Equal(t, 60, w.EffectiveStartMinute())

	w = ParseWindow("Every night from 23:00 to 05:00, buses from around 22:00.", time.UTC)
	assert.Equal(t, NoContextStart, w.ContextStartMinute, "evening windows keep their own start")
}
