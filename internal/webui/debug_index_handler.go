package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/davecgh/go-spew/spew"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
)

//go:embed debug_index.html
var templateFS embed.FS

type debugData struct {
	Title string
	Pre   string
}

func writeDebugData(w http.ResponseWriter, title string, data interface{}) {
	content := spew.Sdump(data)
	w.Header().Set("Content-Type", "text/html")
	tmpl, err := template.ParseFS(templateFS, "debug_index.html")
	if err != nil {
		// Log the actual error server-side
		slog.Error("failed to parse debug template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	dataStruct := debugData{
		Title: title,
		Pre:   content,
	}

	err = tmpl.Execute(w, dataStruct)
	if err != nil {
		slog.Error("failed to execute debug template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}
	dataType := r.URL.Query().Get("dataType")

	var data interface{}
	var title string

	switch dataType {
	case "delays":
		title = "Realtime - Delay index"
		data = "no snapshot yet"
		if webUI.TripUpdates != nil {
			if env, ok := webUI.TripUpdates.Snapshot(); ok {
				data = env
			}
		}
	case "alerts":
		title = "Realtime - Service alerts"
		data = "no snapshot yet"
		if webUI.Alerts != nil {
			if env, ok := webUI.Alerts.Snapshot(); ok {
				data = env
			}
		}
	case "heartbeat":
		title = "Poller heartbeat"
		data = webUI.heartbeat(r)
	case "pollers":
		title = "Poller supervisors"
		data = webUI.PollerStatuses()
	case "tables":
		title = "GTFS Static - Table counts"
		if webUI.GtfsDB == nil {
			data = "static schedule not loaded"
			break
		}
		counts, err := webUI.GtfsDB.TableCounts(r.Context())
		if err != nil {
			data = map[string]string{"error": err.Error()}
			break
		}
		data = counts
	default:
		data = map[string]string{
			"error": "Please use one of the following: delays, alerts, heartbeat, pollers, tables.",
		}
		title = "Choose a data type"
	}

	writeDebugData(w, title, data)
}

func (webUI *WebUI) heartbeat(r *http.Request) interface{} {
	if webUI.FeedCache == nil {
		return "feed cache not configured"
	}
	hb, err := webUI.FeedCache.GetHeartbeat(r.Context())
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	return struct {
		Row *feedcache.Heartbeat
		Age feedcache.HeartbeatDebug
	}{hb, feedcache.ToPollerHeartbeatDebug(hb, webUI.Clock.NowUnixMilli())}
}
