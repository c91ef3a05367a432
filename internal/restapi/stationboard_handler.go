package restapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/board"
)

// debug_rt values
const (
	debugRTBlock = "block"
	debugRTBlob  = "blob"
)

func (api *RestAPI) stationboardHandler(w http.ResponseWriter, r *http.Request) {
	if api.Board == nil {
		api.sendError(w, r, http.StatusServiceUnavailable, "station board not initialized")
		return
	}

	req, err := parseBoardRequest(r)
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if (req.Debug || req.BlockRT || req.ForceBlob) && !api.DebugAllowed(r) {
		req.Debug, req.BlockRT, req.ForceBlob = false, false, false
	}
	if req.Debug {
		w.Header().Set("Cache-Control", "no-store")
	}

	result, err := api.Board.Departures(r.Context(), req)
	switch {
	case errors.Is(err, board.ErrMissingStopID):
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, board.ErrStopNotFound):
		api.sendNotFound(w, r)
		return
	case err != nil:
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendResponse(w, r, result)
}

func parseBoardRequest(r *http.Request) (board.Request, error) {
	q := r.URL.Query()
	req := board.Request{
		StopID: strings.TrimSpace(q.Get("stop_id")),
		Debug:  isTruthy(q.Get("debug")),
	}
	if req.StopID == "" {
		req.StopID = strings.TrimSpace(q.Get("stopId"))
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return board.Request{}, errors.New("limit must be a non-negative integer")
		}
		req.Limit = n
	}

	if raw := q.Get("window"); raw != "" {
		d, err := parseWindow(raw)
		if err != nil {
			return board.Request{}, err
		}
		req.Window = d
	}

	for _, v := range q["debug_rt"] {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case debugRTBlock:
			req.BlockRT = true
		case debugRTBlob:
			req.ForceBlob = true
		}
	}
	return req, nil
}

// parseWindow accepts whole minutes ("90") or a Go duration ("2h").
func parseWindow(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("window must be minutes or a duration like 2h")
	}
	return d, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
