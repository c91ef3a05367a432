package restapi

import (
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
)

// StaleDetector judges the poller heartbeat. A missing row counts as
// stale.
type StaleDetector struct {
	threshold time.Duration
}

func NewStaleDetector() *StaleDetector {
	return &StaleDetector{
		threshold: 15 * time.Minute,
	}
}

func (d *StaleDetector) WithThreshold(threshold time.Duration) *StaleDetector {
	d.threshold = threshold
	return d
}

func (d *StaleDetector) Check(hb *feedcache.Heartbeat, currentTime time.Time) bool {
	if hb == nil || hb.UpdatedAt.IsZero() {
		return true
	}
	return d.Age(hb.UpdatedAt, currentTime) > d.threshold
}

// StaleFeeds names the feeds whose last successful refresh is older than
// the threshold.
func (d *StaleDetector) StaleFeeds(hb *feedcache.Heartbeat, currentTime time.Time) []string {
	if hb == nil {
		return []string{"tripupdates", "alerts"}
	}
	var out []string
	if hb.TripUpdatesUpdatedAt.IsZero() || d.Age(hb.TripUpdatesUpdatedAt, currentTime) > d.threshold {
		out = append(out, "tripupdates")
	}
	if hb.AlertsUpdatedAt.IsZero() || d.Age(hb.AlertsUpdatedAt, currentTime) > d.threshold {
		out = append(out, "alerts")
	}
	return out
}

func (d *StaleDetector) Age(at time.Time, currentTime time.Time) time.Duration {
	if at.IsZero() {
		return d.threshold + 1
	}
	return currentTime.Sub(at)
}
