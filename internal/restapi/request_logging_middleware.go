package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

// quietPaths are polled by probes and scrapers; they are logged at debug
// level only.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// NewRequestLoggingMiddleware writes one access log line per request and
// hands handlers a context logger that already carries the request id.
func NewRequestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http_server"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := RequestIDFromContext(r.Context())
			r = r.WithContext(logging.WithLogger(r.Context(), logger.With(slog.String("request_id", reqID))))

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if quietPaths[r.URL.Path] && rec.status < http.StatusInternalServerError {
				logger.Debug("http_request",
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.status),
					slog.String("request_id", reqID))
				return
			}

			attrs := []slog.Attr{
				slog.String("request_id", reqID),
				slog.Int("bytes", rec.bytes),
			}
			if stopID := r.URL.Query().Get("stop_id"); stopID != "" {
				attrs = append(attrs, slog.String("stop_id", stopID))
			}
			if ua := r.Header.Get("User-Agent"); ua != "" {
				attrs = append(attrs, slog.String("user_agent", ua))
			}
			logging.LogHTTPRequest(logger, r.Method, r.URL.Path, rec.status,
				float64(elapsed.Microseconds())/1000, attrs...)
		})
	}
}
