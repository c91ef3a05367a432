package gtfsdb

// Hand-written in the shape sqlc generates: one const per statement, one
// Params struct per multi-column insert. Queries taking a list expand the
// single "/*SLICE*/?" marker into the right number of placeholders.

import (
	"context"
	"database/sql"
	"strings"
)

const createAgency = `INSERT INTO agencies (id, name, url, timezone) VALUES (?, ?, ?, ?)`

type CreateAgencyParams struct {
	ID       string
	Name     string
	Url      string
	Timezone string
}

func (q *Queries) CreateAgency(ctx context.Context, arg CreateAgencyParams) error {
	_, err := q.db.ExecContext(ctx, createAgency, arg.ID, arg.Name, arg.Url, arg.Timezone)
	return err
}

const createRoute = `INSERT INTO routes (id, agency_id, short_name, long_name, "desc", type) VALUES (?, ?, ?, ?, ?, ?)`

type CreateRouteParams struct {
	ID        string
	AgencyID  string
	ShortName sql.NullString
	LongName  sql.NullString
	Desc      sql.NullString
	Type      int64
}

func (q *Queries) CreateRoute(ctx context.Context, arg CreateRouteParams) error {
	_, err := q.db.ExecContext(ctx, createRoute,
		arg.ID, arg.AgencyID, arg.ShortName, arg.LongName, arg.Desc, arg.Type)
	return err
}

const createStop = `INSERT INTO stops (id, name, parent_station, platform_code, location_type) VALUES (?, ?, ?, ?, ?)`

type CreateStopParams struct {
	ID            string
	Name          sql.NullString
	ParentStation sql.NullString
	PlatformCode  sql.NullString
	LocationType  sql.NullInt64
}

func (q *Queries) CreateStop(ctx context.Context, arg CreateStopParams) error {
	_, err := q.db.ExecContext(ctx, createStop,
		arg.ID, arg.Name, arg.ParentStation, arg.PlatformCode, arg.LocationType)
	return err
}

const createCalendar = `INSERT INTO calendar (
    id, monday, tuesday, wednesday, thursday, friday, saturday, sunday, start_date, end_date
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type CreateCalendarParams struct {
	ID        string
	Monday    int64
	Tuesday   int64
	Wednesday int64
	Thursday  int64
	Friday    int64
	Saturday  int64
	Sunday    int64
	StartDate string
	EndDate   string
}

func (q *Queries) CreateCalendar(ctx context.Context, arg CreateCalendarParams) error {
	_, err := q.db.ExecContext(ctx, createCalendar,
		arg.ID, arg.Monday, arg.Tuesday, arg.Wednesday, arg.Thursday,
		arg.Friday, arg.Saturday, arg.Sunday, arg.StartDate, arg.EndDate)
	return err
}

const createCalendarDate = `INSERT OR REPLACE INTO calendar_dates (service_id, date, exception_type) VALUES (?, ?, ?)`

type CreateCalendarDateParams struct {
	ServiceID     string
	Date          string
	ExceptionType int64
}

func (q *Queries) CreateCalendarDate(ctx context.Context, arg CreateCalendarDateParams) error {
	_, err := q.db.ExecContext(ctx, createCalendarDate, arg.ServiceID, arg.Date, arg.ExceptionType)
	return err
}

const createTrip = `INSERT INTO trips (id, route_id, service_id, trip_headsign, trip_short_name, direction_id) VALUES (?, ?, ?, ?, ?, ?)`

type CreateTripParams struct {
	ID            string
	RouteID       string
	ServiceID     string
	TripHeadsign  sql.NullString
	TripShortName sql.NullString
	DirectionID   sql.NullInt64
}

func (q *Queries) CreateTrip(ctx context.Context, arg CreateTripParams) error {
	_, err := q.db.ExecContext(ctx, createTrip,
		arg.ID, arg.RouteID, arg.ServiceID, arg.TripHeadsign, arg.TripShortName, arg.DirectionID)
	return err
}

type CreateStopTimeParams struct {
	TripID        string
	ArrivalTime   int64
	DepartureTime int64
	StopID        string
	StopSequence  int64
	StopHeadsign  sql.NullString
}

const getImportMetadata = `SELECT id, file_hash, import_time, file_source FROM import_metadata WHERE id = 1`

func (q *Queries) GetImportMetadata(ctx context.Context) (ImportMetadatum, error) {
	var i ImportMetadatum
	err := q.db.QueryRowContext(ctx, getImportMetadata).Scan(&i.ID, &i.FileHash, &i.ImportTime, &i.FileSource)
	return i, err
}

const upsertImportMetadata = `INSERT INTO import_metadata (id, file_hash, import_time, file_source) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET file_hash = excluded.file_hash, import_time = excluded.import_time,
file_source = excluded.file_source`

type UpsertImportMetadataParams struct {
	FileHash   string
	ImportTime int64
	FileSource string
}

func (q *Queries) UpsertImportMetadata(ctx context.Context, arg UpsertImportMetadataParams) error {
	_, err := q.db.ExecContext(ctx, upsertImportMetadata, arg.FileHash, arg.ImportTime, arg.FileSource)
	return err
}

const getStop = `SELECT id, name, parent_station, platform_code, location_type FROM stops WHERE id = ?`

func (q *Queries) GetStop(ctx context.Context, id string) (Stop, error) {
	var s Stop
	err := q.db.QueryRowContext(ctx, getStop, id).Scan(&s.ID, &s.Name, &s.ParentStation, &s.PlatformCode, &s.LocationType)
	return s, err
}

const getChildStops = `SELECT id, name, parent_station, platform_code, location_type FROM stops WHERE parent_station = ? ORDER BY id`

func (q *Queries) GetChildStops(ctx context.Context, parentID string) ([]Stop, error) {
	rows, err := q.db.QueryContext(ctx, getChildStops, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Stop
	for rows.Next() {
		var s Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.ParentStation, &s.PlatformCode, &s.LocationType); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

const getRoutesByIDs = `SELECT id, agency_id, short_name, long_name, "desc", type FROM routes WHERE id IN (/*SLICE*/?)`

func (q *Queries) GetRoutesByIDs(ctx context.Context, ids []string) ([]Route, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := expandSlice(getRoutesByIDs, ids)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.AgencyID, &r.ShortName, &r.LongName, &r.Desc, &r.Type); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

const getCalendars = `SELECT id, monday, tuesday, wednesday, thursday, friday, saturday, sunday, start_date, end_date
FROM calendar WHERE start_date <= ? AND end_date >= ?`

func (q *Queries) GetCalendarsCovering(ctx context.Context, date string) ([]Calendar, error) {
	rows, err := q.db.QueryContext(ctx, getCalendars, date, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Calendar
	for rows.Next() {
		var c Calendar
		if err := rows.Scan(&c.ID, &c.Monday, &c.Tuesday, &c.Wednesday, &c.Thursday,
			&c.Friday, &c.Saturday, &c.Sunday, &c.StartDate, &c.EndDate); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

const getCalendarDates = `SELECT service_id, date, exception_type FROM calendar_dates WHERE date = ?`

func (q *Queries) GetCalendarDates(ctx context.Context, date string) ([]CalendarDate, error) {
	rows, err := q.db.QueryContext(ctx, getCalendarDates, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CalendarDate
	for rows.Next() {
		var c CalendarDate
		if err := rows.Scan(&c.ServiceID, &c.Date, &c.ExceptionType); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// StopDepartureRow is one stop_times row joined with its trip and route.
type StopDepartureRow struct {
	TripID         string
	RouteID        string
	ServiceID      string
	StopID         string
	StopSequence   int64
	DepartureTime  int64
	StopHeadsign   sql.NullString
	TripHeadsign   sql.NullString
	TripShortName  sql.NullString
	RouteShortName sql.NullString
	RouteLongName  sql.NullString
	RouteDesc      sql.NullString
	RouteType      int64
	PlatformCode   sql.NullString
}

// The last stop of a trip has no departure and is left out.
const stopDepartureColumns = `SELECT st.trip_id, t.route_id, t.service_id, st.stop_id, st.stop_sequence, st.departure_time,
    st.stop_headsign, t.trip_headsign, t.trip_short_name,
    r.short_name, r.long_name, r."desc", r.type, s.platform_code
FROM stop_times st
JOIN trips t ON t.id = st.trip_id
JOIN routes r ON r.id = t.route_id
LEFT JOIN stops s ON s.id = st.stop_id
WHERE st.stop_sequence < (SELECT MAX(st2.stop_sequence) FROM stop_times st2 WHERE st2.trip_id = st.trip_id)
`

const getStopDepartures = stopDepartureColumns + `  AND st.stop_id IN (/*SLICE*/?)
  AND st.departure_time >= ? AND st.departure_time <= ?
ORDER BY st.departure_time, st.trip_id`

// GetStopDepartures returns rows at the given stops whose departure time,
// in seconds after service-day midnight, is within [fromSec, toSec].
// Service filtering is left to the caller.
func (q *Queries) GetStopDepartures(ctx context.Context, stopIDs []string, fromSec, toSec int64) ([]StopDepartureRow, error) {
	if len(stopIDs) == 0 {
		return nil, nil
	}
	query, args := expandSlice(getStopDepartures, stopIDs)
	args = append(args, fromSec, toSec)
	return q.scanStopDepartures(ctx, query, args...)
}

const getTripStopDepartures = stopDepartureColumns + `  AND st.trip_id IN (/*SLICE*/?)
ORDER BY st.departure_time, st.trip_id`

// GetTripStopDepartures returns every departing stop of the given trips.
func (q *Queries) GetTripStopDepartures(ctx context.Context, tripIDs []string) ([]StopDepartureRow, error) {
	if len(tripIDs) == 0 {
		return nil, nil
	}
	query, args := expandSlice(getTripStopDepartures, tripIDs)
	return q.scanStopDepartures(ctx, query, args...)
}

func (q *Queries) scanStopDepartures(ctx context.Context, query string, args ...interface{}) ([]StopDepartureRow, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StopDepartureRow
	for rows.Next() {
		var r StopDepartureRow
		if err := rows.Scan(&r.TripID, &r.RouteID, &r.ServiceID, &r.StopID, &r.StopSequence, &r.DepartureTime,
			&r.StopHeadsign, &r.TripHeadsign, &r.TripShortName,
			&r.RouteShortName, &r.RouteLongName, &r.RouteDesc, &r.RouteType, &r.PlatformCode); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (q *Queries) ClearStopTimes(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM stop_times`)
	return err
}

func (q *Queries) ClearTrips(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM trips`)
	return err
}

func (q *Queries) ClearCalendarDates(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM calendar_dates`)
	return err
}

func (q *Queries) ClearCalendar(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM calendar`)
	return err
}

func (q *Queries) ClearStops(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM stops`)
	return err
}

func (q *Queries) ClearRoutes(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM routes`)
	return err
}

func (q *Queries) ClearAgencies(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM agencies`)
	return err
}

func expandSlice(query string, values []string) (string, []interface{}) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.Replace(query, "/*SLICE*/?", marks, 1), args
}
