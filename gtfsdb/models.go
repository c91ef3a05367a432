package gtfsdb

import "database/sql"

type Agency struct {
	ID       string
	Name     string
	Url      string
	Timezone string
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName sql.NullString
	LongName  sql.NullString
	Desc      sql.NullString
	Type      int64
}

type Stop struct {
	ID            string
	Name          sql.NullString
	ParentStation sql.NullString
	PlatformCode  sql.NullString
	LocationType  sql.NullInt64
}

type Calendar struct {
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

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType int64
}

type Trip struct {
	ID            string
	RouteID       string
	ServiceID     string
	TripHeadsign  sql.NullString
	TripShortName sql.NullString
	DirectionID   sql.NullInt64
}

type StopTime struct {
	TripID        string
	ArrivalTime   int64
	DepartureTime int64
	StopID        string
	StopSequence  int64
	StopHeadsign  sql.NullString
}

type ImportMetadatum struct {
	ID         int64
	FileHash   string
	ImportTime int64
	FileSource string
}
