// Package board assembles a station board: the static schedule around the
// requested stop, joined with the cached real-time delay index and the
// live service alerts. Real-time data is read through the loaders only;
// nothing on this path talks to the upstream feeds.
package board

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabbycat18/mesdeparts.ch-sub005/gtfsdb"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/alerts"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/departures"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/stopid"
)

const (
	DefaultLimit  = 30
	MaxLimit      = 200
	DefaultWindow = 90 * time.Minute
	MaxWindow     = 6 * time.Hour

	// scheduleLookback keeps trains that were due a while ago but are
	// running late enough to still be in the window.
	scheduleLookback = 60 * time.Minute
)

var (
	ErrMissingStopID = errors.New("stop_id is required")
	ErrStopNotFound  = gtfsdb.ErrStopNotFound
)

// Schedule is the static side of the board; *gtfsdb.Client implements it.
type Schedule interface {
	StationForStop(ctx context.Context, stopID string) (*gtfsdb.Station, error)
	ScheduledDepartures(ctx context.Context, stopIDs []string, from, to time.Time, loc *time.Location) ([]gtfsdb.Departure, error)
	TripDepartures(ctx context.Context, tripIDs, stopIDs []string, day time.Time, loc *time.Location) ([]gtfsdb.Departure, error)
	RoutesByID(ctx context.Context, routeIDs []string) (map[string]gtfsdb.Route, error)
}

type HeartbeatReader interface {
	GetHeartbeat(ctx context.Context) (*feedcache.Heartbeat, error)
}

type Request struct {
	StopID string
	Limit  int
	Window time.Duration
	// Debug attaches the departure audit and poller heartbeat.
	Debug bool
	// BlockRT waits for a fresh real-time rebuild instead of serving the
	// last snapshot.
	BlockRT   bool
	ForceBlob bool
}

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Meta tells callers which cache branch served the real-time part and
// whether the board fell back to the schedule alone.
type Meta struct {
	ServerTime    time.Time     `json:"serverTime"`
	Source        loader.Source `json:"source"`
	RTSource      loader.Source `json:"rtSource"`
	RTApplied     bool          `json:"rtApplied"`
	RTReason      string        `json:"rtReason,omitempty"`
	RTStale       bool          `json:"rtStale,omitempty"`
	RTFetchedAt   time.Time     `json:"rtFetchedAt,omitzero"`
	AlertsSource  loader.Source `json:"alertsSource"`
	AlertsApplied bool          `json:"alertsApplied"`
	AlertsReason  string        `json:"alertsReason,omitempty"`
	AlertsStale   bool          `json:"alertsStale,omitempty"`
	ScheduledOnly bool          `json:"scheduledOnly"`
}

type Debug struct {
	StopIDs        []string                 `json:"stopIds"`
	ScheduledCount int                      `json:"scheduledCount"`
	ActiveAlertIDs []string                 `json:"activeAlertIds"`
	DelayIndex     realtime.Stats           `json:"delayIndex"`
	Audit          []departures.AuditRow    `json:"departureAudit"`
	Heartbeat      feedcache.HeartbeatDebug `json:"pollerHeartbeat"`
	HeartbeatError string                   `json:"pollerHeartbeatError,omitempty"`
}

type Board struct {
	Station    Station                 `json:"station"`
	Departures []departures.Row        `json:"departures"`
	Alerts     []realtime.ServiceAlert `json:"alerts"`
	Meta       Meta                    `json:"meta"`
	Debug      *Debug                  `json:"debug,omitempty"`
}

type Config struct {
	Schedule    Schedule
	TripUpdates *loader.Loader[*realtime.DelayIndex]
	Alerts      *loader.Loader[[]realtime.ServiceAlert]
	Heartbeat   HeartbeatReader
	Clock       clock.Clock
	Location    *time.Location
	Window      time.Duration
	Logger      *slog.Logger
}

type Service struct {
	cfg       Config
	evaluator *alerts.Evaluator
	logger    *slog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		evaluator: alerts.NewEvaluator(cfg.Location),
		logger:    logger.With(slog.String("component", "board")),
	}
}

// Departures builds the board for req.StopID. Missing or stale real-time
// data never fails the request; only the static schedule can.
func (s *Service) Departures(ctx context.Context, req Request) (*Board, error) {
	stopID := strings.TrimSpace(req.StopID)
	if stopID == "" {
		return nil, ErrMissingStopID
	}
	station, err := s.cfg.Schedule.StationForStop(ctx, stopID)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	loc := s.cfg.Location
	window := clampWindow(req.Window, s.cfg.Window)
	limit := clampLimit(req.Limit)
	stopIDs := station.StopIDs
	if !slices.Contains(stopIDs, stopID) {
		stopIDs = append(slices.Clone(stopIDs), stopID)
	}

	var (
		scheduled []gtfsdb.Departure
		tu        loader.Envelope[*realtime.DelayIndex]
		al        loader.Envelope[[]realtime.ServiceAlert]
	)
	opts := loader.Options{ForceBlob: req.ForceBlob, Block: req.BlockRT}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		scheduled, err = s.cfg.Schedule.ScheduledDepartures(gctx, stopIDs, now.Add(-scheduleLookback), now.Add(window), loc)
		return err
	})
	g.Go(func() error {
		if s.cfg.TripUpdates != nil {
			tu = s.cfg.TripUpdates.Load(gctx, opts)
		} else {
			tu.Meta = loader.Meta{Source: loader.SourceParsed, Reason: ReasonMissingCache}
		}
		return nil
	})
	g.Go(func() error {
		if s.cfg.Alerts != nil {
			al = s.cfg.Alerts.Load(gctx, opts)
		} else {
			al.Meta = loader.Meta{Source: loader.SourceParsed, Reason: ReasonMissingCache}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	active := s.evaluator.Active(al.Data, now)
	supplement, err := s.supplement(ctx, active, stopIDs, now)
	if err != nil {
		return nil, err
	}
	routes, err := s.addedRouteLabels(ctx, tu.Data, stopIDs)
	if err != nil {
		return nil, err
	}

	in := departures.Input{
		StationName: station.Name,
		StopIDs:     stopIDs,
		Scheduled:   toScheduledStops(scheduled),
		Supplement:  supplement,
		Delays:      tu.Data,
		Alerts:      active,
		Routes:      routes,
		Now:         now,
		Window:      window,
		Limit:       limit,
		Location:    loc,
	}
	rows := departures.FilterRenderableDepartures(departures.Synthesize(in))
	if rows == nil {
		rows = []departures.Row{}
	}

	b := &Board{
		Station:    Station{ID: station.ID, Name: station.Name},
		Departures: rows,
		Alerts:     stationAlerts(active, stopIDs),
		Meta: Meta{
			ServerTime:    now.In(loc),
			Source:        tu.Meta.Source,
			RTSource:      tu.Meta.Source,
			RTApplied:     tu.Meta.Applied,
			RTReason:      tu.Meta.Reason,
			RTStale:       tu.Meta.Stale,
			RTFetchedAt:   tu.Meta.FetchedAt,
			AlertsSource:  al.Meta.Source,
			AlertsApplied: al.Meta.Applied,
			AlertsReason:  al.Meta.Reason,
			AlertsStale:   al.Meta.Stale,
			ScheduledOnly: !tu.Meta.Applied || tu.Data == nil,
		},
	}
	if b.Meta.ScheduledOnly {
		logging.LogWarning(s.logger, "board_scheduled_only",
			slog.String("stop_id", stopID),
			slog.String("rt_reason", tu.Meta.Reason),
			slog.String("rt_source", string(tu.Meta.Source)))
	}

	if req.Debug {
		b.Debug = s.debug(ctx, now, stopIDs, len(scheduled), active, tu.Data, rows)
	}
	return b, nil
}

func (s *Service) debug(ctx context.Context, now time.Time, stopIDs []string, scheduled int,
	active []realtime.ServiceAlert, idx *realtime.DelayIndex, rows []departures.Row) *Debug {
	d := &Debug{
		StopIDs:        stopIDs,
		ScheduledCount: scheduled,
		ActiveAlertIDs: make([]string, 0, len(active)),
		DelayIndex:     idx.Stats(),
		Audit:          departures.BuildDepartureAudit(rows),
	}
	for _, a := range active {
		d.ActiveAlertIDs = append(d.ActiveAlertIDs, a.ID)
	}
	if s.cfg.Heartbeat != nil {
		hb, err := s.cfg.Heartbeat.GetHeartbeat(ctx)
		if err != nil {
			d.HeartbeatError = err.Error()
		} else {
			d.Heartbeat = feedcache.ToPollerHeartbeatDebug(hb, now.UnixMilli())
		}
	}
	return d
}

// supplement loads the stop events of trips that ADDITIONAL_SERVICE alerts
// name, on today's service day.
func (s *Service) supplement(ctx context.Context, active []realtime.ServiceAlert, stopIDs []string, now time.Time) ([]departures.SupplementStop, error) {
	alertByTrip := map[string]string{}
	var tripIDs []string
	for _, a := range active {
		if a.Effect != realtime.EffectAdditionalService {
			continue
		}
		for _, ie := range a.InformedEntities {
			if ie.TripID == "" {
				continue
			}
			if _, ok := alertByTrip[ie.TripID]; !ok {
				alertByTrip[ie.TripID] = a.ID
				tripIDs = append(tripIDs, ie.TripID)
			}
		}
	}
	if len(tripIDs) == 0 {
		return nil, nil
	}
	deps, err := s.cfg.Schedule.TripDepartures(ctx, tripIDs, stopIDs, now, s.cfg.Location)
	if err != nil {
		return nil, err
	}
	out := make([]departures.SupplementStop, 0, len(deps))
	for _, d := range deps {
		out = append(out, departures.SupplementStop{ScheduledStop: toScheduledStop(d), AlertID: alertByTrip[d.TripID]})
	}
	return out, nil
}

// addedRouteLabels names the routes of feed-added stops at this station,
// which have no schedule row to take a line label from.
func (s *Service) addedRouteLabels(ctx context.Context, idx *realtime.DelayIndex, stopIDs []string) (map[string]departures.RouteLabel, error) {
	if idx == nil {
		return nil, nil
	}
	added := idx.AddedStopsFor(func(id string) bool { return stopid.MatchesAny(id, stopIDs) })
	var routeIDs []string
	for _, a := range added {
		if a.RouteID != "" && !slices.Contains(routeIDs, a.RouteID) {
			routeIDs = append(routeIDs, a.RouteID)
		}
	}
	if len(routeIDs) == 0 {
		return nil, nil
	}
	routes, err := s.cfg.Schedule.RoutesByID(ctx, routeIDs)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]departures.RouteLabel, len(routes))
	for id, r := range routes {
		labels[id] = departures.RouteLabel{
			ShortName: r.ShortName.String,
			LongName:  r.LongName.String,
			Category:  r.Desc.String,
		}
	}
	return labels, nil
}

// stationAlerts are the live alerts naming the station itself, shown
// above the board.
func stationAlerts(active []realtime.ServiceAlert, stopIDs []string) []realtime.ServiceAlert {
	out := alerts.ForStop(active, stopIDs...)
	if out == nil {
		return []realtime.ServiceAlert{}
	}
	return out
}

func toScheduledStops(deps []gtfsdb.Departure) []departures.ScheduledStop {
	out := make([]departures.ScheduledStop, 0, len(deps))
	for _, d := range deps {
		out = append(out, toScheduledStop(d))
	}
	return out
}

func toScheduledStop(d gtfsdb.Departure) departures.ScheduledStop {
	line := d.RouteShortName
	if line == "" {
		line = strings.TrimSpace(d.RouteDesc + " " + d.TripShortName)
	}
	return departures.ScheduledStop{
		TripID:        d.TripID,
		RouteID:       d.RouteID,
		ServiceDate:   d.ServiceDate,
		StopID:        d.StopID,
		StopSequence:  d.StopSequence,
		Line:          line,
		RouteLongName: d.RouteLongName,
		Number:        d.TripShortName,
		Headsign:      d.Headsign,
		Category:      d.RouteDesc,
		Platform:      d.Platform,
		Departure:     d.Departure,
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

func clampWindow(w, fallback time.Duration) time.Duration {
	if w <= 0 {
		return fallback
	}
	return min(w, MaxWindow)
}
