package feedcache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
)

const heartbeatRowID = 1

// Heartbeat is the single poller liveness row shared by all feeds.
type Heartbeat struct {
	UpdatedAt            time.Time
	TripUpdatesUpdatedAt time.Time
	AlertsUpdatedAt      time.Time
	LastError            string
	// LastErrorFeed is the kind of the feed whose beat recorded LastError.
	LastErrorFeed        appconf.FeedKind
}

// Beat is one heartbeat write. Refreshed marks a successful cache refresh
// of Kind. A non-empty LastError replaces the stored error; an empty one
// clears it only when the stored error was recorded by the same feed.
type Beat struct {
	At        time.Time
	Kind      appconf.FeedKind
	Refreshed bool
	LastError string
}

func (s *SQLStore) Beat(ctx context.Context, b Beat) error {
	var tripMs, alertsMs int64
	if b.Refreshed {
		switch b.Kind {
		case appconf.FeedTripUpdates:
			tripMs = toMillis(b.At)
		case appconf.FeedAlerts:
			alertsMs = toMillis(b.At)
		}
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(
		`INSERT INTO rt_poller_heartbeat (id, updated_at_ms, tripupdates_updated_at_ms, alerts_updated_at_ms, last_error, last_error_feed)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms,
tripupdates_updated_at_ms = CASE WHEN excluded.tripupdates_updated_at_ms > 0
    THEN excluded.tripupdates_updated_at_ms ELSE rt_poller_heartbeat.tripupdates_updated_at_ms END,
alerts_updated_at_ms = CASE WHEN excluded.alerts_updated_at_ms > 0
    THEN excluded.alerts_updated_at_ms ELSE rt_poller_heartbeat.alerts_updated_at_ms END,
last_error = CASE WHEN excluded.last_error <> '' OR rt_poller_heartbeat.last_error = ''
    OR rt_poller_heartbeat.last_error_feed = excluded.last_error_feed
    THEN excluded.last_error ELSE rt_poller_heartbeat.last_error END,
last_error_feed = CASE WHEN excluded.last_error <> '' OR rt_poller_heartbeat.last_error = ''
    OR rt_poller_heartbeat.last_error_feed = excluded.last_error_feed
    THEN excluded.last_error_feed ELSE rt_poller_heartbeat.last_error_feed END`),
		heartbeatRowID, toMillis(b.At), tripMs, alertsMs, b.LastError, string(b.Kind))
	if err != nil {
		return wrap("beat", err)
	}
	return nil
}

// GetHeartbeat returns nil without error when no poller has run yet.
func (s *SQLStore) GetHeartbeat(ctx context.Context) (*Heartbeat, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(
		`SELECT updated_at_ms, tripupdates_updated_at_ms, alerts_updated_at_ms, last_error, last_error_feed
FROM rt_poller_heartbeat WHERE id = ?`), heartbeatRowID)

	var updated, trips, alerts int64
	var errFeed string
	hb := &Heartbeat{}
	if err := row.Scan(&updated, &trips, &alerts, &hb.LastError, &errFeed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get heartbeat", err)
	}
	hb.UpdatedAt = fromMillis(updated)
	hb.TripUpdatesUpdatedAt = fromMillis(trips)
	hb.AlertsUpdatedAt = fromMillis(alerts)
	hb.LastErrorFeed = appconf.FeedKind(errFeed)
	return hb, nil
}

// HeartbeatDebug is the heartbeat as exposed to debug output. Every field
// is null when the heartbeat row is absent.
type HeartbeatDebug struct {
	PollerHeartbeatAgeMs   *int64  `json:"pollerHeartbeatAgeMs"`
	PollerTripupdatesAgeMs *int64  `json:"pollerTripupdatesAgeMs"`
	PollerAlertsAgeMs      *int64  `json:"pollerAlertsAgeMs"`
	PollerLastError        *string `json:"pollerLastError"`
}

func ToPollerHeartbeatDebug(hb *Heartbeat, nowMs int64) HeartbeatDebug {
	if hb == nil {
		return HeartbeatDebug{}
	}
	out := HeartbeatDebug{
		PollerHeartbeatAgeMs:   ageMs(hb.UpdatedAt, nowMs),
		PollerTripupdatesAgeMs: ageMs(hb.TripUpdatesUpdatedAt, nowMs),
		PollerAlertsAgeMs:      ageMs(hb.AlertsUpdatedAt, nowMs),
	}
	if hb.LastError != "" {
		lastErr := hb.LastError
		out.PollerLastError = &lastErr
	}
	return out
}

func ageMs(t time.Time, nowMs int64) *int64 {
	if t.IsZero() {
		return nil
	}
	age := max(nowMs-t.UnixMilli(), 0)
	return &age
}
