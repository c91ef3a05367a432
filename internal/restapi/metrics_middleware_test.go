package restapi

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

func TestMetricsHandler_NilMetrics(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	wrapped := MetricsHandler(nil)(inner)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsHandler_RouteLabels(t *testing.T) {
	m := metrics.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stationboard", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("stop_id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("{}"))
	})

	server := httptest.NewServer(MetricsHandler(m)(mux))
	defer server.Close()

	for _, path := range []string{
		"/api/stationboard?stop_id=8501120",
		"/api/stationboard?stop_id=8501120:0:3",
		"/api/stationboard",
		"/api/stops/8501120",
	} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/stationboard", "200")),
		"different stops share one series")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/stationboard", "400")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequestDuration), "one latency series per route")
}

func TestMetricsHandler_VariousStatusCodes(t *testing.T) {
	testCases := []struct {
		name       string
		statusCode int
	}{
		{"OK", http.StatusOK},
		{"BadRequest", http.StatusBadRequest},
		{"TooManyRequests", http.StatusTooManyRequests},
		{"ServiceUnavailable", http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := metrics.New()
			wrapped := MetricsHandler(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			}))

			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tc.statusCode, rec.Code)
			assert.Equal(t, float64(1), testutil.ToFloat64(
				m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", strconv.Itoa(tc.statusCode))))
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	t.Run("implicit OK", func(t *testing.T) {
		rec := newStatusRecorder(httptest.NewRecorder())
		_, _ = rec.Write([]byte("hello"))
		assert.Equal(t, http.StatusOK, rec.status)
		assert.Equal(t, 5, rec.bytes)
	})

	t.Run("first status wins", func(t *testing.T) {
		inner := httptest.NewRecorder()
		rec := newStatusRecorder(inner)
		rec.WriteHeader(http.StatusNotFound)
		rec.WriteHeader(http.StatusOK)
		assert.Equal(t, http.StatusNotFound, rec.status)
		assert.Equal(t, http.StatusNotFound, inner.Code)
	})

	t.Run("unwraps", func(t *testing.T) {
		inner := httptest.NewRecorder()
		assert.Same(t, inner, newStatusRecorder(inner).Unwrap())
	})
}
