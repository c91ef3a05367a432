// Package guard asserts that the request-serving path never talks to the
// raw feed providers. Only pollers may; readers get cached data.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

// ErrBlockedUpstreamCall signals a programming error: an upstream feed host
// was about to be called while serving a request.
var ErrBlockedUpstreamCall = errors.New("blocked upstream call from request path")

type scopeKey struct{}

// WithRequestScope marks ctx as belonging to the request-serving path.
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, true)
}

// InRequestScope reports whether ctx was marked by WithRequestScope.
func InRequestScope(ctx context.Context) bool {
	v, _ := ctx.Value(scopeKey{}).(bool)
	return v
}

// Middleware marks every request context as request scope.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithRequestScope(r.Context())))
	})
}

type Guard struct {
	env     appconf.Environment
	blocked []string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a guard for the given hosts. A blocked host also covers its
// subdomains.
func New(env appconf.Environment, blockedHosts []string, logger *slog.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	hosts := make([]string, 0, len(blockedHosts))
	for _, h := range blockedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Guard{
		env:     env,
		blocked: hosts,
		logger:  logger.With(slog.String("component", "upstream_guard")),
		metrics: m,
	}
}

// Check reports whether a call to rawURL may proceed from ctx. Outside
// production a violation returns ErrBlockedUpstreamCall; in production it
// is logged and reported as false.
func (g *Guard) Check(ctx context.Context, rawURL string) (bool, error) {
	if g == nil || !InRequestScope(ctx) {
		return true, nil
	}
	host := hostname(rawURL)
	if !g.isBlocked(host) {
		return true, nil
	}

	g.metrics.BlockedUpstreamCall()
	if g.env != appconf.Production {
		return false, fmt.Errorf("%w: %s", ErrBlockedUpstreamCall, host)
	}
	g.logger.Error("blocked_upstream_call",
		slog.String("host", host),
		slog.String("env", g.env.String()))
	return false, nil
}

func (g *Guard) isBlocked(host string) bool {
	if host == "" {
		return false
	}
	for _, b := range g.blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

func hostname(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
