// Package alerts decides whether a service alert is live right now and
// which alerts concern a stop or a departure.
package alerts

import (
	"regexp"
	"strconv"
	"time"
)

type WindowKind int

const (
	// NoWindow: the text carries no usable time range; only the GTFS
	// active periods apply.
	NoWindow WindowKind = iota
	// RecurringDaily: the same local time range every day, possibly
	// crossing midnight.
	RecurringDaily
	// AbsoluteRange: one literal span between two local date-times.
	AbsoluteRange
)

func (k WindowKind) String() string {
	switch k {
	case RecurringDaily:
		return "recurring_daily"
	case AbsoluteRange:
		return "absolute_range"
	default:
		return "none"
	}
}

// NoContextStart marks a recurring window without an earlier advertised start.
const NoContextStart = -1

// Window is the tagged result of ParseWindow. Minute fields count minutes
// after local midnight and are only set for RecurringDaily; Start and End
// are only set for AbsoluteRange.
type Window struct {
	Kind               WindowKind
	StartMinute        int
	EndMinute          int
	ContextStartMinute int
	Start              time.Time
	End                time.Time
}

const (
	hhmm     = `(\d{1,2})[:.h](\d{2})`
	date     = `(\d{1,2})\.(\d{1,2})\.(\d{4})`
	hhmmTail = `\s*(?:uhr|h)?\s*`

	recurrence = `(?:every\s+night|each\s+night|nightly|every\s+day|daily|` +
		`jede\s+nacht|jeweils\s+nachts|nachts|in\s+der\s+nacht|täglich|jeden\s+tag|` +
		`chaque\s+nuit|toutes\s+les\s+nuits|la\s+nuit|chaque\s+jour|tous\s+les\s+jours|` +
		`ogni\s+notte|tutte\s+le\s+notti|di\s+notte|ogni\s+giorno)`
	rangeSep = `(?:to|until|till|bis|à|a|au|jusqu'à|jusqu’à|alle|al|and|und|et|e|-|–)`
)

var (
	absoluteRangeRe = regexp.MustCompile(`(?i)` + date + `\s*,?\s*(?:um|à|a|at|alle|ore|dès|ab)?\s*` + hhmm + hhmmTail +
		`(?:until|till|to|bis|au|jusqu'au|jusqu’au|jusqu'à|jusqu’à|à|al|fino al|-|–)\s*` +
		date + `\s*,?\s*(?:um|à|a|at|alle|ore)?\s*` + hhmm)

	recurringRe = regexp.MustCompile(`(?i)` + recurrence + `\D{0,40}?` + hhmm + hhmmTail + rangeSep + `\s*` + hhmm)

	// "between 23:00 and 05:00 every night": the keyword trails the range.
	trailingRecurringRe = regexp.MustCompile(`(?i)` + hhmm + hhmmTail + rangeSep + `\s*` + hhmm + hhmmTail +
		`[^\d.]{0,20}?` + recurrence)

	bareRangeRe = regexp.MustCompile(`(?i)` + hhmm + hhmmTail + `(?:to|until|bis|à|alle|and|und|et|e|-|–)\s*` + hhmm)

	contextStartRe = regexp.MustCompile(`(?i)(?:ab\s+(?:ca\.?\s*)?|from\s+(?:around|about|approx\.?|approximately)\s+|` +
		`dès\s+(?:env\.?\s*)?|à\s+partir\s+de\s+|a\s+partire\s+dalle\s+(?:ore\s+)?|dalle\s+ore\s+|circa\s+dalle\s+)` + hhmm)

	anyDateRe = regexp.MustCompile(date)
)

// ParseWindow looks for an intraday time range in alert text. Absolute
// date-time ranges are recognised first so that their times of day are
// never mistaken for a daily window. loc is the zone of local civil time.
func ParseWindow(text string, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	if m := absoluteRangeRe.FindStringSubmatch(text); m != nil {
		start, okStart := civil(m[1:6], loc)
		end, okEnd := civil(m[6:11], loc)
		if okStart && okEnd && !end.Before(start) {
			return Window{Kind: AbsoluteRange, Start: start, End: end, ContextStartMinute: NoContextStart}
		}
	}

	for _, re := range []*regexp.Regexp{recurringRe, trailingRecurringRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if w, ok := recurring(m[1:5], text); ok {
				return w
			}
		}
	}

	// A bare range crossing midnight can only mean a nightly window,
	// unless a calendar date turns it into a one-off night.
	if !anyDateRe.MatchString(text) {
		if m := bareRangeRe.FindStringSubmatch(text); m != nil {
			if w, ok := recurring(m[1:5], text); ok && w.StartMinute > w.EndMinute {
				return w
			}
		}
	}

	return Window{Kind: NoWindow, ContextStartMinute: NoContextStart}
}

func recurring(parts []string, text string) (Window, bool) {
	start, ok1 := minuteOfDay(parts[0], parts[1])
	end, ok2 := minuteOfDay(parts[2], parts[3])
	if !ok1 || !ok2 || start == end {
		return Window{}, false
	}
	return Window{
		Kind:               RecurringDaily,
		StartMinute:        start,
		EndMinute:          end,
		ContextStartMinute: contextStart(text, start),
	}, true
}

// contextStart finds an evening "from around HH:MM" announcement for a
// window whose nominal start lies after midnight.
func contextStart(text string, nominalStart int) int {
	const evening = 18 * 60
	const noon = 12 * 60
	if nominalStart >= noon {
		return NoContextStart
	}
	best := NoContextStart
	for _, m := range contextStartRe.FindAllStringSubmatch(text, -1) {
		minute, ok := minuteOfDay(m[1], m[2])
		if !ok || minute < evening {
			continue
		}
		if best == NoContextStart || minute < best {
			best = minute
		}
	}
	return best
}

func minuteOfDay(h, m string) (int, bool) {
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || minute > 59 {
		return 0, false
	}
	if hour == 24 && minute == 0 {
		hour = 0
	}
	if hour > 23 {
		return 0, false
	}
	return hour*60 + minute, true
}

// civil parses day, month, year, hour, minute into a local time.
func civil(parts []string, loc *time.Location) (time.Time, bool) {
	n := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}
	day, month, year, hour, minute := n[0], n[1], n[2], n[3], n[4]
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 24 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Day() != day && hour != 24 {
		return time.Time{}, false
	}
	return t, true
}
