package restapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/poller"
)

func TestPollerDebugHandler(t *testing.T) {
	api := createTestApi(t)
	api.publishDelay(120)
	require.NoError(t, api.store.Beat(context.Background(), feedcache.Beat{
		At:        apiNow.Add(-15 * time.Second),
		Kind:      appconf.FeedTripUpdates,
		Refreshed: true,
	}))
	require.NoError(t, api.store.Beat(context.Background(), feedcache.Beat{
		At:        apiNow.Add(-3 * time.Second),
		Kind:      appconf.FeedAlerts,
		LastError: "upstream status 502",
	}))
	api.Supervisors = []*poller.Supervisor{poller.NewSupervisor(poller.SupervisorConfig{
		Name: "tripupdates",
		Task: func(context.Context, func()) error { return nil },
	})}

	resp, model := serveAndRetrieveEndpoint(t, api, "/api/debug/poller?debug=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hb := model["pollerHeartbeat"].(map[string]any)
	assert.Equal(t, float64(3000), hb["pollerHeartbeatAgeMs"])
	assert.Equal(t, float64(15000), hb["pollerTripupdatesAgeMs"])
	assert.Nil(t, hb["pollerAlertsAgeMs"])
	assert.Equal(t, "upstream status 502", hb["pollerLastError"])
	assert.Equal(t, false, model["stale"])

	pollers := model["pollers"].(map[string]any)
	assert.Equal(t, "stopped", pollers["tripupdates"].(map[string]any)["state"])

	loaders := model["loaders"].(map[string]any)
	assert.Equal(t, true, loaders["tripupdates"].(map[string]any)["applied"])
	assert.Nil(t, loaders["alerts"], "no alerts snapshot built yet")
}

func TestPollerDebugHandlerWithoutHeartbeat(t *testing.T) {
	api := createTestApi(t)

	_, model := serveAndRetrieveEndpoint(t, api, "/api/debug/poller?debug=1")

	hb := model["pollerHeartbeat"].(map[string]any)
	for _, key := range []string{"pollerHeartbeatAgeMs", "pollerTripupdatesAgeMs", "pollerAlertsAgeMs", "pollerLastError"} {
		v, present := hb[key]
		assert.True(t, present, key)
		assert.Nil(t, v, key)
	}
	assert.Equal(t, true, model["stale"])
}

func TestPollerDebugHandlerGating(t *testing.T) {
	t.Run("needs debug flag", func(t *testing.T) {
		resp, _ := serveAndRetrieveEndpoint(t, createTestApi(t), "/api/debug/poller")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("needs key in production", func(t *testing.T) {
		api := createTestApiWithEnv(t, appconf.Production)

		resp, _ := serveAndRetrieveEndpoint(t, api, "/api/debug/poller?debug=1")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, _ = serveAndRetrieveEndpoint(t, api, "/api/debug/poller?debug=1&key=TEST")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
