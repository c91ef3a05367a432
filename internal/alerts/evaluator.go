package alerts

import (
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/stopid"
)

// DefaultLead widens recurring windows so a departure listed a few minutes
// before the announced start already carries the alert.
const DefaultLead = 15 * time.Minute

type Evaluator struct {
	Location *time.Location
	Lead     time.Duration
}

// NewEvaluator returns an evaluator for local civil time in loc.
func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{Location: loc, Lead: DefaultLead}
}

// IsActiveNow reports whether the alert applies at now: inside a GTFS
// active period, then narrowed by any time window found in its text.
func (e *Evaluator) IsActiveNow(alert realtime.ServiceAlert, now time.Time) bool {
	if !alert.InPeriod(now) {
		return false
	}
	w := ParseWindow(alert.FullText(), e.Location)
	return w.ActiveAt(now.In(e.Location), e.Lead)
}

// Active filters alerts down to the live ones.
func (e *Evaluator) Active(alerts []realtime.ServiceAlert, now time.Time) []realtime.ServiceAlert {
	out := make([]realtime.ServiceAlert, 0, len(alerts))
	for _, a := range alerts {
		if e.IsActiveNow(a, now) {
			out = append(out, a)
		}
	}
	return out
}

// ActiveAt evaluates the window at a local time.
func (w Window) ActiveAt(local time.Time, lead time.Duration) bool {
	switch w.Kind {
	case AbsoluteRange:
		return !local.Before(w.Start) && !local.After(w.End)
	case RecurringDaily:
		start := w.EffectiveStartMinute() - int(lead/time.Minute)
		minute := local.Hour()*60 + local.Minute()
		return inDailyRange(minute, wrapMinute(start), w.EndMinute)
	default:
		return true
	}
}

// EffectiveStartMinute is the nominal start, or the evening start the
// text advertises for a window that nominally begins after midnight.
func (w Window) EffectiveStartMinute() int {
	if w.ContextStartMinute != NoContextStart && w.ContextStartMinute > w.StartMinute {
		return w.ContextStartMinute
	}
	return w.StartMinute
}

func inDailyRange(minute, start, end int) bool {
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func wrapMinute(m int) int {
	const day = 24 * 60
	return ((m % day) + day) % day
}

// ForStop keeps alerts with an informed stop matching any of stopIDs.
func ForStop(alerts []realtime.ServiceAlert, stopIDs ...string) []realtime.ServiceAlert {
	var out []realtime.ServiceAlert
	for _, a := range alerts {
		if InformsStop(a, stopIDs...) {
			out = append(out, a)
		}
	}
	return out
}

// InformsStop reports whether one of the alert's informed stops is one of
// stopIDs under any identifier scheme.
func InformsStop(a realtime.ServiceAlert, stopIDs ...string) bool {
	for _, ie := range a.InformedEntities {
		if ie.StopID == "" {
			continue
		}
		if stopid.MatchesAny(ie.StopID, stopIDs) {
			return true
		}
	}
	return false
}

// AppliesToDeparture reports whether the alert names the trip or route of a
// departure, or names the stop without narrowing it to a route or trip.
func AppliesToDeparture(a realtime.ServiceAlert, tripID, routeID string, stopIDs ...string) bool {
	for _, ie := range a.InformedEntities {
		switch {
		case ie.TripID != "":
			if ie.TripID == tripID {
				return true
			}
		case ie.RouteID != "":
			if ie.RouteID == routeID && (ie.StopID == "" || stopid.MatchesAny(ie.StopID, stopIDs)) {
				return true
			}
		case ie.StopID != "":
			if stopid.MatchesAny(ie.StopID, stopIDs) {
				return true
			}
		}
	}
	return false
}
