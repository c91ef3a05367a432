package gtfsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// calendar_dates exception types
const (
	exceptionAdded   int64 = 1
	exceptionRemoved int64 = 2
)

const serviceDateLayout = "20060102"

var ErrStopNotFound = errors.New("stop not found")

// Station is a parent station together with its platforms. A stop without
// parent or children is a station of its own.
type Station struct {
	ID      string
	Name    string
	StopIDs []string
}

// Departure is one scheduled stop event on a concrete service day.
type Departure struct {
	TripID         string
	RouteID        string
	ServiceDate    string
	StopID         string
	StopSequence   int
	RouteShortName string
	RouteLongName  string
	RouteDesc      string
	RouteType      int
	TripShortName  string
	Headsign       string
	Platform       string
	Departure      time.Time
}

// StationForStop resolves a requested stop id to its station. Besides the
// id itself it tries the "Parent<uic>" form used by Swiss feeds and the
// UIC prefix of a platform id ("8501120:0:3").
func (c *Client) StationForStop(ctx context.Context, stopID string) (*Station, error) {
	stop, err := c.findStop(ctx, stopID)
	if err != nil {
		return nil, err
	}
	if stop.ParentStation.Valid && stop.ParentStation.String != "" {
		parent, err := c.Queries.GetStop(ctx, stop.ParentStation.String)
		switch {
		case err == nil:
			stop = parent
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("get parent station: %w", err)
		}
	}

	children, err := c.Queries.GetChildStops(ctx, stop.ID)
	if err != nil {
		return nil, fmt.Errorf("get child stops: %w", err)
	}
	station := &Station{ID: stop.ID, Name: stop.Name.String, StopIDs: []string{stop.ID}}
	for _, child := range children {
		station.StopIDs = append(station.StopIDs, child.ID)
		if station.Name == "" {
			station.Name = child.Name.String
		}
	}
	return station, nil
}

func (c *Client) findStop(ctx context.Context, stopID string) (Stop, error) {
	candidates := []string{stopID}
	if !strings.HasPrefix(stopID, "Parent") {
		candidates = append(candidates, "Parent"+stopID)
	}
	if prefix, _, ok := strings.Cut(stopID, ":"); ok && prefix != "" && !strings.EqualFold(prefix, "ch") {
		candidates = append(candidates, "Parent"+prefix, prefix)
	}
	for _, id := range candidates {
		stop, err := c.Queries.GetStop(ctx, id)
		if err == nil {
			return stop, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Stop{}, fmt.Errorf("get stop %s: %w", id, err)
		}
	}
	return Stop{}, fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
}

// ActiveServiceIDs returns the services running on the given service day:
// calendar rows covering the date with its weekday set, plus added and
// minus removed calendar_dates exceptions.
func (c *Client) ActiveServiceIDs(ctx context.Context, day time.Time) (map[string]bool, error) {
	date := day.Format(serviceDateLayout)
	calendars, err := c.Queries.GetCalendarsCovering(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("get calendars: %w", err)
	}
	active := make(map[string]bool, len(calendars))
	for _, cal := range calendars {
		if runsOn(cal, day.Weekday()) {
			active[cal.ID] = true
		}
	}

	exceptions, err := c.Queries.GetCalendarDates(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("get calendar dates: %w", err)
	}
	for _, ex := range exceptions {
		switch ex.ExceptionType {
		case exceptionAdded:
			active[ex.ServiceID] = true
		case exceptionRemoved:
			delete(active, ex.ServiceID)
		}
	}
	return active, nil
}

func runsOn(cal Calendar, wd time.Weekday) bool {
	flags := [...]int64{cal.Sunday, cal.Monday, cal.Tuesday, cal.Wednesday, cal.Thursday, cal.Friday, cal.Saturday}
	return flags[wd] == 1
}

// serviceDayStart is "noon minus 12h" of the service day, the reference
// GTFS stop times count from. It differs from midnight on DST change days.
func serviceDayStart(day time.Time, loc *time.Location) time.Time {
	return serviceNoon(day, loc).Add(-12 * time.Hour)
}

func serviceNoon(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 12, 0, 0, 0, loc)
}

// ScheduledDepartures returns the departures at stopIDs between from and
// to. Service days start one day before from so that trips running past
// midnight (stop times beyond 24:00:00) are found.
func (c *Client) ScheduledDepartures(ctx context.Context, stopIDs []string, from, to time.Time, loc *time.Location) ([]Departure, error) {
	if len(stopIDs) == 0 || !to.After(from) {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	var out []Departure
	last := serviceNoon(to, loc)
	for noon := serviceNoon(from, loc).AddDate(0, 0, -1); !noon.After(last); noon = noon.AddDate(0, 0, 1) {
		day := noon.Add(-12 * time.Hour)
		fromSec := int64(from.Sub(day) / time.Second)
		toSec := int64(to.Sub(day) / time.Second)
		if toSec < 0 {
			continue
		}
		fromSec = max(fromSec, 0)

		active, err := c.ActiveServiceIDs(ctx, noon)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			continue
		}
		rows, err := c.Queries.GetStopDepartures(ctx, stopIDs, fromSec, toSec)
		if err != nil {
			return nil, fmt.Errorf("get stop departures: %w", err)
		}
		for _, r := range rows {
			if active[r.ServiceID] {
				out = append(out, toDeparture(r, day))
			}
		}
	}
	return out, nil
}

// TripDepartures returns the stop events of tripIDs at stopIDs on the given
// service day, whether or not the calendar runs the trip that day. It
// backs supplement rows for trips announced by alerts.
func (c *Client) TripDepartures(ctx context.Context, tripIDs, stopIDs []string, day time.Time, loc *time.Location) ([]Departure, error) {
	if len(tripIDs) == 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	rows, err := c.Queries.GetTripStopDepartures(ctx, tripIDs)
	if err != nil {
		return nil, fmt.Errorf("get trip departures: %w", err)
	}
	wanted := make(map[string]bool, len(stopIDs))
	for _, id := range stopIDs {
		wanted[id] = true
	}
	start := serviceDayStart(day, loc)
	var out []Departure
	for _, r := range rows {
		if len(wanted) > 0 && !wanted[r.StopID] {
			continue
		}
		out = append(out, toDeparture(r, start))
	}
	return out, nil
}

// RoutesByID loads the given routes keyed by id. Unknown ids are absent.
func (c *Client) RoutesByID(ctx context.Context, routeIDs []string) (map[string]Route, error) {
	routes, err := c.Queries.GetRoutesByIDs(ctx, routeIDs)
	if err != nil {
		return nil, fmt.Errorf("get routes: %w", err)
	}
	out := make(map[string]Route, len(routes))
	for _, r := range routes {
		out[r.ID] = r
	}
	return out, nil
}

func toDeparture(r StopDepartureRow, dayStart time.Time) Departure {
	headsign := r.StopHeadsign.String
	if headsign == "" {
		headsign = r.TripHeadsign.String
	}
	return Departure{
		TripID:         r.TripID,
		RouteID:        r.RouteID,
		ServiceDate:    dayStart.Add(12 * time.Hour).Format(serviceDateLayout),
		StopID:         r.StopID,
		StopSequence:   int(r.StopSequence),
		RouteShortName: r.RouteShortName.String,
		RouteLongName:  r.RouteLongName.String,
		RouteDesc:      r.RouteDesc.String,
		RouteType:      int(r.RouteType),
		TripShortName:  r.TripShortName.String,
		Headsign:       headsign,
		Platform:       r.PlatformCode.String,
		Departure:      dayStart.Add(time.Duration(r.DepartureTime) * time.Second),
	}
}
