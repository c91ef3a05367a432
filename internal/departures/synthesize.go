// Package departures turns static schedule rows, the merged real-time
// delay index and the live service alerts into the rows of a departure
// board, and explains each row with an audit record.
package departures

import (
	"sort"
	"strings"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/alerts"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/stopid"
)

// Cancellation reason codes, kept verbatim on the row.
const (
	ReasonSkippedStop    = "SKIPPED_STOP"
	ReasonCanceledTrip   = "CANCELED_TRIP"
	ReasonAlertNoService = "ALERT_NO_SERVICE"
)

// Row flags in addition to the trip flags of the delay index.
const (
	FlagPropagatedDelay = "propagated_delay"
	FlagTripDelay       = "trip_delay"
)

// ReplacementLine is the line label of synthetic replacement rows.
const ReplacementLine = "EV"

type Row struct {
	Key                string                  `json:"key"`
	TripID             string                  `json:"tripId"`
	RouteID            string                  `json:"routeId,omitempty"`
	StopID             string                  `json:"stopId"`
	StopSequence       int                     `json:"stopSequence"`
	ServiceDate        string                  `json:"serviceDate,omitempty"`
	Line               string                  `json:"line"`
	Number             string                  `json:"number,omitempty"`
	Category           string                  `json:"category,omitempty"`
	Destination        string                  `json:"destination"`
	Platform           string                  `json:"platform,omitempty"`
	ScheduledDeparture time.Time               `json:"scheduledDeparture"`
	RealtimeDeparture  time.Time               `json:"realtimeDeparture,omitzero"`
	DelayMin           *int                    `json:"delayMin"`
	Cancelled          bool                    `json:"cancelled"`
	CancelReasonCode   string                  `json:"cancelReasonCode,omitempty"`
	Flags              []string                `json:"flags,omitempty"`
	Source             Source                  `json:"source"`
	Alerts             []realtime.ServiceAlert `json:"alerts,omitempty"`
}

// Departure is the realtime departure when known, else the scheduled one.
func (r Row) Departure() time.Time {
	if !r.RealtimeDeparture.IsZero() {
		return r.RealtimeDeparture
	}
	return r.ScheduledDeparture
}

func (r Row) hasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (r *Row) addFlag(flag string) {
	if !r.hasFlag(flag) {
		r.Flags = append(r.Flags, flag)
	}
}

// ScheduledStop is one stop event of the static schedule.
type ScheduledStop struct {
	TripID        string
	RouteID       string
	ServiceDate   string
	StopID        string
	StopSequence  int
	Line          string
	RouteLongName string
	Number        string
	Headsign      string
	Category      string
	Platform      string
	Departure     time.Time
}

// SupplementStop is a schedule event of a trip that does not run on the
// regular calendar but was announced by an alert.
type SupplementStop struct {
	ScheduledStop
	AlertID string
}

// RouteLabel names a route for rows that only know its id.
type RouteLabel struct {
	ShortName string
	LongName  string
	Category  string
}

type Input struct {
	StationName string
	// StopIDs are the requested stop and its platforms under any scheme.
	StopIDs    []string
	Scheduled  []ScheduledStop
	Supplement []SupplementStop
	Delays     *realtime.DelayIndex
	// Alerts must already be filtered down to the live ones.
	Alerts   []realtime.ServiceAlert
	Routes   map[string]RouteLabel
	Now      time.Time
	Window   time.Duration
	Limit    int
	Location *time.Location
}

// Synthesize builds the board rows: scheduled rows joined with the delay
// index and the alerts, feed-added stops, supplement rows and synthetic
// replacement rows, sorted by departure and cut to the window and limit.
func Synthesize(in Input) []Row {
	if in.Location == nil {
		in.Location = time.UTC
	}
	rows := make([]Row, 0, len(in.Scheduled))
	known := make(map[string]struct{}, len(in.Scheduled))

	for _, s := range in.Scheduled {
		row := scheduledRow(in, s, SourceScheduled)
		applyTripUpdates(&row, in.Delays, s, in.Location)
		applyAlerts(&row, in.Alerts, in.StopIDs)
		rows = append(rows, row)
		known[realtime.TripStartKey(s.TripID, s.ServiceDate)] = struct{}{}
		known[s.TripID] = struct{}{}
	}

	for _, s := range in.Supplement {
		if _, ok := known[s.TripID]; ok {
			continue
		}
		row := scheduledRow(in, s.ScheduledStop, SourceSupplement)
		applyTripUpdates(&row, in.Delays, s.ScheduledStop, in.Location)
		row.Source = SourceSupplement
		for _, a := range in.Alerts {
			if a.ID == s.AlertID {
				row.Alerts = append(row.Alerts, a)
			}
		}
		rows = append(rows, row)
		known[s.TripID] = struct{}{}
	}

	rows = append(rows, addedRows(in, known)...)
	rows = append(rows, replacementRows(rows)...)

	rows = inWindow(rows, in.Now, in.Window)
	sortRows(rows)
	if in.Limit > 0 && len(rows) > in.Limit {
		rows = rows[:in.Limit]
	}
	return rows
}

func scheduledRow(in Input, s ScheduledStop, source Source) Row {
	return Row{
		Key:          realtime.Key(s.TripID, s.StopID, s.StopSequence, s.ServiceDate),
		TripID:       s.TripID,
		RouteID:      s.RouteID,
		StopID:       s.StopID,
		StopSequence: s.StopSequence,
		ServiceDate:  s.ServiceDate,
		Line:         s.Line,
		Number:       s.Number,
		Category:     s.Category,
		Destination: ChooseDestinationLabel(DestinationInput{
			TripHeadsign:  s.Headsign,
			RouteLongName: s.RouteLongName,
			StationName:   in.StationName,
		}),
		Platform:           s.Platform,
		ScheduledDeparture: s.Departure.In(in.Location),
		Source:             source,
	}
}

func applyTripUpdates(row *Row, idx *realtime.DelayIndex, s ScheduledStop, loc *time.Location) {
	if idx == nil {
		return
	}
	touched := false

	if res, ok := idx.Lookup(s.TripID, s.StopID, s.StopSequence, s.ServiceDate); ok {
		e := res.Entry
		switch {
		case !res.Propagated && e.UpdatedDepartureEpoch > 0:
			row.RealtimeDeparture = time.Unix(e.UpdatedDepartureEpoch, 0).In(loc)
			delay := e.DelayMin
			if !e.HasDelay {
				delay = realtime.DelayMinutes(int(row.RealtimeDeparture.Sub(s.Departure) / time.Second))
			}
			row.DelayMin = &delay
			touched = true
		case e.HasDelay:
			row.RealtimeDeparture = s.Departure.Add(time.Duration(e.DelaySec) * time.Second).In(loc)
			delay := e.DelayMin
			row.DelayMin = &delay
			if res.Propagated {
				row.addFlag(FlagPropagatedDelay)
			}
			touched = true
		}
	}

	flags, hasFlags := idx.Flags(s.TripID, s.ServiceDate)
	if row.DelayMin == nil && hasFlags && flags.HasTripDelay {
		row.RealtimeDeparture = s.Departure.Add(time.Duration(flags.TripDelaySec) * time.Second).In(loc)
		delay := realtime.DelayMinutes(flags.TripDelaySec)
		row.DelayMin = &delay
		row.addFlag(FlagTripDelay)
		touched = true
	}
	if hasFlags {
		for _, f := range flags.Flags {
			row.addFlag(f)
		}
		touched = touched || len(flags.Flags) > 0
	}

	if st, ok := idx.StopStatus(s.TripID, s.StopID, s.StopSequence, s.ServiceDate); ok && st.Relationship == realtime.StopSkipped {
		row.Cancelled = true
		row.CancelReasonCode = ReasonSkippedStop
		touched = true
	}
	if idx.IsTripCancelled(s.TripID, s.ServiceDate) {
		row.Cancelled = true
		row.CancelReasonCode = ReasonCanceledTrip
		touched = true
	}

	if touched {
		row.Source = SourceTripUpdate
	}
}

func applyAlerts(row *Row, active []realtime.ServiceAlert, stopIDs []string) {
	ids := append([]string{row.StopID}, stopIDs...)
	for _, a := range active {
		if !alerts.AppliesToDeparture(a, row.TripID, row.RouteID, ids...) {
			continue
		}
		row.Alerts = append(row.Alerts, a)
		if a.Effect == realtime.EffectNoService && !row.Cancelled {
			row.Cancelled = true
			row.CancelReasonCode = ReasonAlertNoService
		}
	}
}

func addedRows(in Input, known map[string]struct{}) []Row {
	added := in.Delays.AddedStopsFor(func(id string) bool {
		return stopid.MatchesAny(id, in.StopIDs)
	})
	var out []Row
	for _, a := range added {
		if _, ok := known[a.TripID]; ok {
			continue
		}
		if in.Delays.IsTripCancelled(a.TripID, a.TripStartDate) || a.Epoch() == 0 {
			continue
		}
		label := in.Routes[a.RouteID]
		realtimeDep := time.Unix(a.Epoch(), 0).In(in.Location)
		delay := realtime.DelayMinutes(a.DelaySec)
		row := Row{
			Key:          a.Key(),
			TripID:       a.TripID,
			RouteID:      a.RouteID,
			StopID:       a.StopID,
			StopSequence: a.StopSequence,
			ServiceDate:  a.TripStartDate,
			Line:         label.ShortName,
			Category:     label.Category,
			Destination: ChooseDestinationLabel(DestinationInput{
				RouteLongName: label.LongName,
				StationName:   in.StationName,
			}),
			ScheduledDeparture: realtimeDep.Add(-time.Duration(a.DelaySec) * time.Second),
			RealtimeDeparture:  realtimeDep,
			DelayMin:           &delay,
			Flags:              []string{realtime.FlagAdded},
			Source:             SourceRTAdded,
		}
		applyAlerts(&row, in.Alerts, in.StopIDs)
		out = append(out, row)
	}
	return out
}

var replacementWords = []string{
	"ersatz", "replacement", "remplacement", "substitution", "sostitutiv", "bus navetta",
}

// announcesReplacement reports whether the alert text promises substitute
// transport for the cancelled service.
func announcesReplacement(a realtime.ServiceAlert) bool {
	text := foldPlace(a.FullText())
	for _, w := range replacementWords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// replacementRows injects one synthetic row per cancelled departure whose
// alert announces substitute transport.
func replacementRows(rows []Row) []Row {
	var out []Row
	seen := map[string]struct{}{}
	for _, r := range rows {
		if !r.Cancelled || r.Source == SourceSyntheticAlert {
			continue
		}
		for _, a := range r.Alerts {
			if !announcesReplacement(a) {
				continue
			}
			key := "synthetic|" + a.ID + "|" + r.Key
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Row{
				Key:                key,
				TripID:             "synthetic:" + a.ID + ":" + r.TripID,
				RouteID:            r.RouteID,
				StopID:             r.StopID,
				StopSequence:       r.StopSequence,
				ServiceDate:        r.ServiceDate,
				Line:               ReplacementLine,
				Number:             r.Line,
				Category:           ReplacementLine,
				Destination:        r.Destination,
				ScheduledDeparture: r.ScheduledDeparture,
				Flags:              []string{realtime.FlagReplacement},
				Source:             SourceSyntheticAlert,
				Alerts:             []realtime.ServiceAlert{a},
			})
			break
		}
	}
	return out
}

// inWindow keeps rows departing from the current minute up to now+window.
// Cancelled rows are judged by their scheduled time. A zero window has no
// upper bound.
func inWindow(rows []Row, now time.Time, window time.Duration) []Row {
	if now.IsZero() {
		return rows
	}
	from := now.Truncate(time.Minute)
	to := now.Add(window)
	out := rows[:0]
	for _, r := range rows {
		at := r.Departure()
		if r.Cancelled {
			at = r.ScheduledDeparture
		}
		if at.Before(from) {
			continue
		}
		if window > 0 && at.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Departure().Equal(b.Departure()) {
			return a.Departure().Before(b.Departure())
		}
		if !a.ScheduledDeparture.Equal(b.ScheduledDeparture) {
			return a.ScheduledDeparture.Before(b.ScheduledDeparture)
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.TripID < b.TripID
	})
}
