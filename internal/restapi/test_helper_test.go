package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/gtfsdb"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/board"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/loader"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
)

var apiNow = time.Date(2025, 2, 10, 18, 0, 0, 0, time.UTC)

// fakeSchedule serves one station, Lausanne, with two departures.
type fakeSchedule struct{}

func (fakeSchedule) StationForStop(_ context.Context, stopID string) (*gtfsdb.Station, error) {
	switch stopID {
	case "8501120", "Parent8501120", "8501120:0:3":
		return &gtfsdb.Station{ID: "Parent8501120", Name: "Lausanne", StopIDs: []string{"Parent8501120", "8501120:0:3"}}, nil
	}
	return nil, gtfsdb.ErrStopNotFound
}

func (fakeSchedule) ScheduledDepartures(_ context.Context, _ []string, from, to time.Time, _ *time.Location) ([]gtfsdb.Departure, error) {
	var out []gtfsdb.Departure
	for i, id := range []string{"T1", "T2"} {
		dep := gtfsdb.Departure{
			TripID:         id,
			RouteID:        "R1",
			ServiceDate:    "20250210",
			StopID:         "8501120:0:3",
			StopSequence:   4,
			RouteShortName: "S1",
			RouteDesc:      "S",
			TripShortName:  "1234" + id,
			Headsign:       "Villeneuve VD",
			Platform:       "3",
			Departure:      apiNow.Add(time.Duration(5*(i+1)) * time.Minute),
		}
		if !dep.Departure.Before(from) && dep.Departure.Before(to) {
			out = append(out, dep)
		}
	}
	return out, nil
}

func (fakeSchedule) TripDepartures(context.Context, []string, []string, time.Time, *time.Location) ([]gtfsdb.Departure, error) {
	return nil, nil
}

func (fakeSchedule) RoutesByID(context.Context, []string) (map[string]gtfsdb.Route, error) {
	return map[string]gtfsdb.Route{}, nil
}

type testAPI struct {
	*RestAPI
	clock *clock.MockClock
	store *feedcache.SQLStore
	logs  *bytes.Buffer
}

func createTestApiWithEnv(t *testing.T, env appconf.Environment) *testAPI {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMockClock(apiNow)

	store, err := feedcache.Open(ctx, ":memory:", appconf.Test)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gtfsDB, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gtfsDB.Close() })

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	m := metrics.New()

	feeds := appconf.DefaultFeeds(func(string) string { return "" })
	tuFeed, _ := feeds.Feed(appconf.FeedTripUpdates)
	saFeed, _ := feeds.Feed(appconf.FeedAlerts)
	lc := board.LoaderConfig{Store: store, Clock: clk, Metrics: m, Logger: logger}
	trips := board.NewTripUpdatesLoader(tuFeed, lc)
	alertsLoader := board.NewAlertsLoader(saFeed, lc)

	application := &app.Application{
		Config: appconf.Config{
			Env:       env,
			ApiKeys:   []string{"TEST"},
			RateLimit: 100,
			Timezone:  time.UTC,
		},
		Logger:      logger,
		Clock:       clk,
		Metrics:     m,
		FeedCache:   store,
		GtfsDB:      gtfsDB,
		TripUpdates: trips,
		Alerts:      alertsLoader,
		Board: board.NewService(board.Config{
			Schedule:    fakeSchedule{},
			TripUpdates: trips,
			Alerts:      alertsLoader,
			Heartbeat:   store,
			Clock:       clk,
			Location:    time.UTC,
			Logger:      logger,
		}),
	}

	api := NewRestAPI(application)
	t.Cleanup(api.Shutdown)
	return &testAPI{RestAPI: api, clock: clk, store: store, logs: logs}
}

func createTestApi(t *testing.T) *testAPI {
	return createTestApiWithEnv(t, appconf.Test)
}

// publishDelay installs a delay for T1 as if the poller had just run.
func (api *testAPI) publishDelay(delaySec int) {
	idx := realtime.NewDelayIndex()
	key := realtime.Key("T1", "8501120:0:3", 4, "20250210")
	idx.ByKey[key] = realtime.DelayEntry{
		TripID:        "T1",
		StopID:        "8501120:0:3",
		StopSequence:  4,
		DelaySec:      delaySec,
		DelayMin:      realtime.DelayMinutes(delaySec),
		HasDelay:      true,
		TripStartDate: "20250210",

		UpdatedDepartureEpoch: apiNow.Add(5*time.Minute + time.Duration(delaySec)*time.Second).Unix(),
	}
	api.TripUpdates.Publish(loader.Envelope[*realtime.DelayIndex]{
		Data: idx,
		Meta: loader.Meta{Applied: true, FetchedAt: apiNow.Add(-10 * time.Second)},
	})
}

func (api *testAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	api.SetRoutes(mux)
	server := httptest.NewServer(api.Handler(mux))
	t.Cleanup(server.Close)
	return server
}

// serveAndRetrieveEndpoint performs a GET and decodes the JSON body.
func serveAndRetrieveEndpoint(t *testing.T, api *testAPI, endpoint string) (*http.Response, map[string]any) {
	t.Helper()
	server := api.server(t)
	resp, err := http.Get(server.URL + endpoint)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var model map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &model), string(body))
	}
	return resp, model
}
