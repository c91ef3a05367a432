package restapi

import (
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
)

type RestAPI struct {
	*app.Application
	rateLimiter   *RateLimiter
	staleDetector *StaleDetector
}

// NewRestAPI creates a new RestAPI instance with initialized rate limiter
func NewRestAPI(app *app.Application) *RestAPI {
	return &RestAPI{
		Application: app,
		rateLimiter: NewRateLimiter(RateLimitConfig{
			PerInterval: app.Config.RateLimit,
			Interval:    time.Second,
			ExemptKeys:  app.Config.ApiKeys,
			Clock:       app.Clock,
			Metrics:     app.Metrics,
		}),
		staleDetector: NewStaleDetector(),
	}
}

// Shutdown stops the rate limiter's background cleanup.
func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}
