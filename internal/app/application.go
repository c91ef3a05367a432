package app

import (
	"log/slog"

	"github.com/tabbycat18/mesdeparts.ch-sub005/gtfsdb"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/board"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/events"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/guard"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/poller"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware. The pollers write the feed cache; everything the
// handlers touch only reads it.
type Application struct {
	Config    appconf.Config
	Logger    *slog.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	FeedCache feedcache.Store
	GtfsDB    *gtfsdb.Client
	Guard     *guard.Guard
	Events    events.Notifier

	TripUpdates *loader.Loader[*realtime.DelayIndex]
	Alerts      *loader.Loader[[]realtime.ServiceAlert]
	Board       *board.Service

	// Supervisors is empty when this instance does not run pollers.
	Supervisors []*poller.Supervisor
}

// HandleRefreshed drops the loader snapshot of the refreshed feed so the
// next board request rebuilds it from the cache.
func (app *Application) HandleRefreshed(ev events.Refreshed) {
	switch {
	case app.TripUpdates != nil && ev.Feed == app.TripUpdates.Name():
		app.TripUpdates.Invalidate()
	case app.Alerts != nil && ev.Feed == app.Alerts.Name():
		app.Alerts.Invalidate()
	default:
		return
	}
	logging.LogOperation(app.Logger, "loader_invalidated",
		slog.String("feed", ev.Feed),
		slog.String("instance", ev.Instance))
}

// PollerStatuses reports each supervisor's state keyed by feed name.
func (app *Application) PollerStatuses() map[string]poller.Status {
	out := make(map[string]poller.Status, len(app.Supervisors))
	for _, s := range app.Supervisors {
		out[s.Name()] = s.Status()
	}
	return out
}
