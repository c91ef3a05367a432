package poller

import (
	"errors"
	"fmt"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/guard"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/realtime"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/upstream"
)

// ErrorKind is the closed set of failure classes a poller reacts to.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRateLimited
	KindTransport
	KindDBDisconnect
	KindMalformedPayload
	KindBlockedUpstream
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "upstream_rate_limited"
	case KindTransport:
		return "upstream_transport"
	case KindDBDisconnect:
		return "db_disconnect"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindBlockedUpstream:
		return "blocked_upstream_call"
	default:
		return "other"
	}
}

func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.RateLimited() {
			return KindRateLimited
		}
		return KindTransport
	}
	switch {
	case errors.Is(err, upstream.ErrTransport):
		return KindTransport
	case errors.Is(err, guard.ErrBlockedUpstreamCall):
		return KindBlockedUpstream
	case errors.Is(err, realtime.ErrMalformedPayload):
		return KindMalformedPayload
	case feedcache.IsDisconnect(err):
		return KindDBDisconnect
	}
	return KindOther
}

// ErrorCode is the code logged with reconnect events: the database code
// when there is one, otherwise the HTTP status or the kind.
func ErrorCode(err error) string {
	kind := Classify(err)
	var statusErr *upstream.StatusError
	if (kind == KindRateLimited || kind == KindTransport) && errors.As(err, &statusErr) {
		return fmt.Sprintf("HTTP_%d", statusErr.StatusCode)
	}
	if kind == KindDBDisconnect || kind == KindOther {
		var dbErr *feedcache.DBError
		if errors.As(err, &dbErr) {
			return dbErr.Code
		}
		if kind == KindDBDisconnect {
			return feedcache.ClassifyError(err).Code
		}
	}
	return kind.String()
}
