package app

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
)

// RequestAPIKey returns the key of r from the "key" query parameter or,
// failing that, the X-API-Key header.
func RequestAPIKey(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func (app *Application) RequestHasInvalidAPIKey(r *http.Request) bool {
	return app.IsInvalidAPIKey(RequestAPIKey(r))
}

func (app *Application) IsInvalidAPIKey(key string) bool {
	if key == "" {
		return true
	}

	for _, validKey := range app.Config.ApiKeys {
		// Use constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(key), []byte(validKey)) == 1 {
			return false
		}
	}

	return true
}

// DebugAllowed gates debug output: open outside production, key-protected
// in production.
func (app *Application) DebugAllowed(r *http.Request) bool {
	if app.Config.Env != appconf.Production {
		return true
	}
	return !app.RequestHasInvalidAPIKey(r)
}
