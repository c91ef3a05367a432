package restapi

import (
	"net/http"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

// MetricsHandler counts requests and their latency per route. It must wrap
// the mux itself: the route label is the pattern the mux stored on the
// request, so unknown paths cannot blow up label cardinality.
func MetricsHandler(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			m.HTTPRequest(r.Method, routeLabel(r), rec.status, time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}
