package restapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/guard"
)

type handlerFunc func(w http.ResponseWriter, r *http.Request)

func (api *RestAPI) limited(policy CachePolicy, h handlerFunc) http.Handler {
	return CacheControlMiddleware(policy, api.rateLimiter.Handler()(http.HandlerFunc(h)))
}

func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/stationboard", api.limited(boardCache, api.stationboardHandler))
	mux.Handle("GET /api/debug/poller", api.limited(noCache, api.pollerDebugHandler))
	mux.Handle("GET /api/current-time", api.limited(noCache, api.currentTimeHandler))
	mux.HandleFunc("GET /healthz", api.healthHandler)

	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler wraps mux with the middleware every route shares. The metrics
// middleware sits right on the mux because it reads r.Pattern, which the
// mux sets on the request it was handed.
func (api *RestAPI) Handler(mux *http.ServeMux) http.Handler {
	var h http.Handler = mux
	h = MetricsHandler(api.Metrics)(h)
	h = guard.Middleware(h)
	h = CompressionMiddleware(h)
	h = NewRequestLoggingMiddleware(api.Logger)(h)
	h = RequestIDMiddleware(h)
	return h
}
