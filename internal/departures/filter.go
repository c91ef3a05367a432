package departures

import (
	"strings"
	"unicode/utf8"
)

const (
	maxPlaceNameRunes = 60
	minProseWords     = 6
)

var disruptionWords = []string{
	"unterbruch", "storung", "bauarbeiten", "einschrankung", "ausfall",
	"disruption", "interruption", "closure", "works", "delay",
	"perturbation", "travaux", "fermeture", "suppression",
	"interruzione", "perturbazione", "lavori", "guasto",
}

// FilterRenderableDepartures drops rows whose destination is disruption
// prose and that have no trip identity to show instead. Rows with a trip
// id and a line or number are always kept.
func FilterRenderableDepartures(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if looksLikeProse(r.Destination) && !hasIdentity(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasIdentity(r Row) bool {
	return strings.TrimSpace(r.TripID) != "" &&
		(strings.TrimSpace(r.Line) != "" || strings.TrimSpace(r.Number) != "")
}

// looksLikeProse tells a sentence apart from a place name.
func looksLikeProse(dest string) bool {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return false
	}
	if utf8.RuneCountInString(dest) > maxPlaceNameRunes {
		return true
	}
	words := strings.Fields(foldPlace(dest))
	if len(words) >= minProseWords && strings.ContainsAny(dest, ".:;!") {
		return true
	}
	if len(words) < 3 {
		return false
	}
	for _, w := range words {
		for _, d := range disruptionWords {
			if strings.HasPrefix(w, d) {
				return true
			}
		}
	}
	return false
}
