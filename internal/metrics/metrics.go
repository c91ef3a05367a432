// Package metrics provides Prometheus metrics for the departure board
// service: HTTP traffic, feed pollers, cache loaders and the database
// connection pools.
package metrics

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for the application.
// Every recording helper is safe to call on a nil *Metrics.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	// Poller metrics
	PollerTicksTotal        *prometheus.CounterVec
	UpstreamFetchesTotal    *prometheus.CounterVec
	SupervisorRestartsTotal *prometheus.CounterVec
	DelayIndexEntries       *prometheus.GaugeVec

	// Loader metrics
	LoaderServedTotal    *prometheus.CounterVec
	LoaderCoalescedTotal *prometheus.CounterVec
	LoaderRebuildsTotal  *prometheus.CounterVec

	BlockedUpstreamCallsTotal prometheus.Counter

	logger *slog.Logger
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesdeparts_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_rate_limited_total",
			Help: "Requests rejected with 429, by client kind (key or ip)",
		}, []string{"client"}),

		PollerTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_poller_ticks_total",
			Help: "Poller ticks by feed and outcome",
		}, []string{"feed", "outcome"}),
		UpstreamFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_upstream_fetches_total",
			Help: "Upstream feed requests by feed and HTTP status (0 for transport errors)",
		}, []string{"feed", "status"}),
		SupervisorRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_poller_restarts_total",
			Help: "Poller restarts after database disconnects, by feed and error code",
		}, []string{"feed", "error_code"}),
		DelayIndexEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesdeparts_delay_index_entries",
			Help: "Size of the merged delay index by sub-structure",
		}, []string{"structure"}),

		LoaderServedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_loader_served_total",
			Help: "Loader responses by loader, source branch and staleness",
		}, []string{"loader", "source", "stale"}),
		LoaderCoalescedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_loader_coalesced_total",
			Help: "Readers that joined an in-flight rebuild instead of starting one",
		}, []string{"loader"}),
		LoaderRebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesdeparts_loader_rebuilds_total",
			Help: "Loader rebuilds by result",
		}, []string{"loader", "result"}),

		BlockedUpstreamCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesdeparts_blocked_upstream_calls_total",
			Help: "Upstream calls attempted from the request-serving path",
		}),

		logger: logger,
	}

	// Register all metrics with the custom registry
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.PollerTicksTotal,
		m.UpstreamFetchesTotal,
		m.SupervisorRestartsTotal,
		m.DelayIndexEntries,
		m.LoaderServedTotal,
		m.LoaderCoalescedTotal,
		m.LoaderRebuildsTotal,
		m.BlockedUpstreamCallsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// HTTPRequest records one served request under its route pattern.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited(client string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(client).Inc()
}

func (m *Metrics) PollerTick(feed, outcome string) {
	if m == nil {
		return
	}
	m.PollerTicksTotal.WithLabelValues(feed, outcome).Inc()
}

// UpstreamFetch counts one upstream request; status 0 is a transport error.
func (m *Metrics) UpstreamFetch(feed string, status int) {
	if m == nil {
		return
	}
	m.UpstreamFetchesTotal.WithLabelValues(feed, strconv.Itoa(status)).Inc()
}

func (m *Metrics) SupervisorRestart(feed, errorCode string) {
	if m == nil {
		return
	}
	m.SupervisorRestartsTotal.WithLabelValues(feed, errorCode).Inc()
}

func (m *Metrics) SetDelayIndexSize(structure string, n int) {
	if m == nil {
		return
	}
	m.DelayIndexEntries.WithLabelValues(structure).Set(float64(n))
}

func (m *Metrics) LoaderServed(loader, source string, stale bool) {
	if m == nil {
		return
	}
	m.LoaderServedTotal.WithLabelValues(loader, source, strconv.FormatBool(stale)).Inc()
}

func (m *Metrics) LoaderCoalesced(loader string) {
	if m == nil {
		return
	}
	m.LoaderCoalescedTotal.WithLabelValues(loader).Inc()
}

func (m *Metrics) LoaderRebuild(loader, result string) {
	if m == nil {
		return
	}
	m.LoaderRebuildsTotal.WithLabelValues(loader, result).Inc()
}

func (m *Metrics) BlockedUpstreamCall() {
	if m == nil {
		return
	}
	m.BlockedUpstreamCallsTotal.Inc()
}

// RegisterDB exports the connection pool stats of db labelled
// db_name=name. Each name may be registered once.
func (m *Metrics) RegisterDB(name string, db *sql.DB) error {
	if m == nil || db == nil {
		return nil
	}
	if err := m.Registry.Register(collectors.NewDBStatsCollector(db, name)); err != nil {
		if m.logger != nil {
			m.logger.Error("failed to register database stats", "db_name", name, "error", err)
		}
		return fmt.Errorf("register %s pool stats: %w", name, err)
	}
	return nil
}
