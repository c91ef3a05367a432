// Package webui serves the HTML debug pages. They are never mounted in
// production.
package webui

import (
	"net/http"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
)

type WebUI struct {
	*app.Application
}

func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/", webUI.debugIndexHandler)
}
