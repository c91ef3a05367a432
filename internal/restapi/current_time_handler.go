package restapi

import (
	"net/http"
	"time"
)

type CurrentTimeResponse struct {
	CurrentTime  int64  `json:"currentTime"`
	ReadableTime string `json:"readableTime"`
	Timezone     string `json:"timezone"`
}

// currentTimeHandler lets board displays align their clocks with the
// server, which matters when FAKE_NOW pins the service clock.
func (api *RestAPI) currentTimeHandler(w http.ResponseWriter, r *http.Request) {
	loc := api.Config.Timezone
	if loc == nil {
		loc = time.UTC
	}
	now := api.Clock.Now().In(loc)

	api.sendResponse(w, r, CurrentTimeResponse{
		CurrentTime:  now.UnixMilli(),
		ReadableTime: now.Format(time.RFC3339),
		Timezone:     loc.String(),
	})
}
