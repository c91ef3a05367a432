package restapi

import (
	"net/http"
	"strconv"
	"strings"
)

const uncacheable = "no-cache, no-store, must-revalidate"

// CachePolicy is what shared caches in front of the API may do with a
// successful response. The zero value forbids caching.
type CachePolicy struct {
	MaxAge               int
	StaleWhileRevalidate int
}

var (
	noCache = CachePolicy{}
	// Boards change on every poller refresh. The edge may serve a stale
	// copy while it refetches, which keeps a burst of identical requests
	// from reaching the origin together.
	boardCache = CachePolicy{MaxAge: 10, StaleWhileRevalidate: 20}
)

func (p CachePolicy) String() string {
	if p.MaxAge <= 0 {
		return uncacheable
	}
	var b strings.Builder
	b.WriteString("public, max-age=")
	b.WriteString(strconv.Itoa(p.MaxAge))
	if p.StaleWhileRevalidate > 0 {
		b.WriteString(", stale-while-revalidate=")
		b.WriteString(strconv.Itoa(p.StaleWhileRevalidate))
	}
	return b.String()
}

// CacheControlMiddleware stamps policy on 2xx responses that did not set
// Cache-Control themselves. Anything else is marked uncacheable.
func CacheControlMiddleware(policy CachePolicy, next http.Handler) http.Handler {
	value := policy.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&cacheControlWriter{ResponseWriter: w, value: value}, r)
	})
}

type cacheControlWriter struct {
	http.ResponseWriter
	value   string
	stamped bool
}

func (w *cacheControlWriter) stamp(code int) {
	if w.stamped {
		return
	}
	w.stamped = true
	h := w.ResponseWriter.Header()
	if code < 200 || code >= 300 {
		h.Set("Cache-Control", uncacheable)
		return
	}
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", w.value)
	}
}

func (w *cacheControlWriter) WriteHeader(code int) {
	w.stamp(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheControlWriter) Write(b []byte) (int, error) {
	w.stamp(http.StatusOK)
	return w.ResponseWriter.Write(b)
}

func (w *cacheControlWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
