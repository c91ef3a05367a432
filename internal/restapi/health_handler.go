package restapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status     string   `json:"status"`
	Detail     string   `json:"detail,omitempty"`
	StaleFeeds []string `json:"staleFeeds,omitempty"`

	// ScheduleLoaded is false until a static GTFS import has completed.
	ScheduleLoaded bool `json:"scheduleLoaded"`
}

// healthHandler verifies that both databases answer. A stale poller
// heartbeat only degrades the status: boards still render from the
// schedule alone.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// 1. Liveness Check: Is the basic infrastructure initialized?
	if api.Application == nil || api.FeedCache == nil || api.GtfsDB == nil || api.GtfsDB.DB == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "database not initialized",
		})
		return
	}

	// 2. Connectivity Check: are both databases actually reachable?
	if err := api.FeedCache.Ping(r.Context()); err != nil {
		logging.LogError(api.Logger, "feed cache ping failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "feed cache connection failed",
		})
		return
	}
	loaded, err := api.GtfsDB.Loaded(r.Context())
	if err != nil {
		logging.LogError(api.Logger, "GTFS DB ping failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status: "unavailable",
			Detail: "database connection failed",
		})
		return
	}

	// 3. Freshness Check: is some poller keeping the cache current?
	hb, err := api.FeedCache.GetHeartbeat(r.Context())
	if err != nil {
		logging.LogError(api.Logger, "heartbeat read failed", err)
	}
	now := api.Clock.Now()
	if err != nil || api.staleDetector.Check(hb, now) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:         "degraded",
			Detail:         "poller heartbeat is stale",
			StaleFeeds:     api.staleDetector.StaleFeeds(hb, now),
			ScheduleLoaded: loaded,
		})
		return
	}

	resp := HealthResponse{Status: "ok", ScheduleLoaded: loaded}
	if stale := api.staleDetector.StaleFeeds(hb, now); len(stale) > 0 {
		resp.Status = "degraded"
		resp.Detail = "stale feeds: " + strings.Join(stale, ", ")
		resp.StaleFeeds = stale
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
