package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/poller"
)

type PollerDebugResponse struct {
	ServerTime     time.Time                `json:"serverTime"`
	Heartbeat      feedcache.HeartbeatDebug `json:"pollerHeartbeat"`
	HeartbeatError string                   `json:"pollerHeartbeatError,omitempty"`
	Stale          bool                     `json:"stale"`
	Pollers        map[string]poller.Status `json:"pollers"`
	Loaders        map[string]*loader.Meta  `json:"loaders"`
}

func (api *RestAPI) pollerDebugHandler(w http.ResponseWriter, r *http.Request) {
	if !isTruthy(r.URL.Query().Get("debug")) {
		api.sendError(w, r, http.StatusBadRequest, "debug=1 is required")
		return
	}
	if !api.DebugAllowed(r) {
		api.sendUnauthorized(w, r)
		return
	}

	now := api.Clock.Now()
	resp := PollerDebugResponse{
		ServerTime: now,
		Pollers:    api.PollerStatuses(),
		Loaders:    map[string]*loader.Meta{},
	}

	var hb *feedcache.Heartbeat
	if api.FeedCache != nil {
		var err error
		hb, err = api.FeedCache.GetHeartbeat(r.Context())
		if err != nil {
			logging.LogError(api.Logger, "poller debug heartbeat read failed", err)
			resp.HeartbeatError = err.Error()
		}
	}
	resp.Heartbeat = feedcache.ToPollerHeartbeatDebug(hb, now.UnixMilli())
	resp.Stale = api.staleDetector.Check(hb, now)

	if api.TripUpdates != nil {
		env, ok := api.TripUpdates.Snapshot()
		resp.Loaders[api.TripUpdates.Name()] = snapshotMeta(env.Meta, ok)
	}
	if api.Alerts != nil {
		env, ok := api.Alerts.Snapshot()
		resp.Loaders[api.Alerts.Name()] = snapshotMeta(env.Meta, ok)
	}

	logging.LogOperation(api.Logger, "poller_debug_served",
		slog.Bool("stale", resp.Stale),
		slog.Int("pollers", len(resp.Pollers)))
	api.sendResponse(w, r, resp)
}

// snapshotMeta is nil for a loader that has not built a snapshot yet.
func snapshotMeta(meta loader.Meta, ok bool) *loader.Meta {
	if !ok {
		return nil
	}
	return &meta
}
