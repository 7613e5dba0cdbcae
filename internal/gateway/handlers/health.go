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

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime"`
	SessionID string `json:"session_id,omitempty"`
	// Degraded is set when token counts are approximate.
	Degraded bool `json:"degraded,omitempty"`
}

// SessionInfo reports the identity and estimation mode of the served session.
type SessionInfo func() (id string, degraded bool)

// HealthHandler returns a health check handler.
func HealthHandler(version string, info SessionInfo) http.HandlerFunc {
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
		if info != nil {
			resp.SessionID, resp.Degraded = info()
		}
		SendJSON(w, http.StatusOK, resp)
	}
}
