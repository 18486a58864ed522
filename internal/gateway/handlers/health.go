package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime initializes the server start time.
// Should be called when the server starts.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// SessionCounter reports live session counts for the health endpoint.
type SessionCounter interface {
	Counts() (running, suspended int)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime"`
	Running   int    `json:"running"`
	Suspended int    `json:"suspended"`
	Clients   int    `json:"clients"`
}

// HealthHandler returns a health check handler. sessions and clients may be nil.
func HealthHandler(version string, sessions SessionCounter, clients func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(0)
		if !startTime.IsZero() {
			uptime = int64(time.Since(startTime).Seconds())
		}

		resp := HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  uptime,
		}
		if sessions != nil {
			resp.Running, resp.Suspended = sessions.Counts()
		}
		if clients != nil {
			resp.Clients = clients()
		}
		SendJSON(w, http.StatusOK, resp)
	}
}
