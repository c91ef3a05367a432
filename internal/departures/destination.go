package departures

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type DestinationInput struct {
	TripHeadsign  string
	RouteLongName string
	StationName   string
}

// ChooseDestinationLabel picks the label shown as a departure's
// destination. A headsign naming the current station is a feed artifact
// for trips that loop or terminate here, so the route long name is used
// instead; the station name is the last resort.
func ChooseDestinationLabel(in DestinationInput) string {
	headsign := strings.TrimSpace(in.TripHeadsign)
	longName := strings.TrimSpace(in.RouteLongName)
	station := strings.TrimSpace(in.StationName)
	here := foldPlace(station)

	if headsign != "" && (here == "" || foldPlace(headsign) != here) {
		return headsign
	}
	if longName != "" && (here == "" || foldPlace(longName) != here) {
		return longName
	}
	if station != "" {
		return station
	}
	return headsign
}

// foldPlace reduces a place name to lowercase letters and digits without
// accents, single-space separated.
func foldPlace(s string) string {
	// transform.Chain keeps state, so it is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}
