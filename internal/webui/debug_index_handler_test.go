package webui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

func TestDebugIndexHandler_ProductionReturns404(t *testing.T) {
	webUI := &WebUI{
		Application: &app.Application{
			Config: appconf.Config{Env: appconf.Production},
		},
	}

	req, _ := http.NewRequest("GET", "/debug/?dataType=delays", nil)
	rr := httptest.NewRecorder()

	webUI.debugIndexHandler(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code, "Should return 404 in Production")
}

func TestDebugIndexHandler_DataTypes(t *testing.T) {
	now := time.Date(2025, 2, 10, 18, 0, 0, 0, time.UTC)
	clk := clock.NewMockClock(now)

	store, err := feedcache.Open(context.Background(), ":memory:", appconf.Test)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Beat(context.Background(), feedcache.Beat{
		At:        now.Add(-5 * time.Second),
		Kind:      appconf.FeedTripUpdates,
		Refreshed: true,
	}))

	trips := loader.New(loader.Config[*realtime.DelayIndex]{Name: "tripupdates", Clock: clk})
	idx := realtime.NewDelayIndex()
	idx.ByKey[realtime.Key("T1", "8501120:0:3", 4, "20250210")] = realtime.DelayEntry{TripID: "T1", DelaySec: 240}
	trips.Publish(loader.Envelope[*realtime.DelayIndex]{Data: idx, Meta: loader.Meta{Applied: true}})

	webUI := &WebUI{
		Application: &app.Application{
			Config:      appconf.Config{Env: appconf.Development},
			Clock:       clk,
			FeedCache:   store,
			TripUpdates: trips,
		},
	}

	tests := []struct {
		dataType string
		contains []string
	}{
		{"delays", []string{"Delay index", "T1", "240"}},
		{"alerts", []string{"Service alerts", "no snapshot yet"}},
		{"heartbeat", []string{"Poller heartbeat", "PollerHeartbeatAgeMs", "5000"}},
		{"pollers", []string{"Poller supervisors"}},
		{"tables", []string{"static schedule not loaded"}},
		{"", []string{"Choose a data type"}},
	}
	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/debug/?dataType="+tt.dataType, nil)
			rr := httptest.NewRecorder()

			webUI.debugIndexHandler(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
			for _, want := range tt.contains {
				assert.Contains(t, rr.Body.String(), want)
			}
		})
	}
}
