package api

import (
	"net/http"
	"time"

	"polymarket-monitor/internal/venue"
)

type healthReport struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
	Details    map[string]any    `json:"details,omitempty"`
}

// handleHealth reports per-component status. The process is "degraded",
// never "down", while the API itself can answer: the monitor is designed
// to limp along without any one dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Components: map[string]string{},
		Details:    map[string]any{},
	}
	degraded := false

	if s.deps.DB == nil {
		report.Components["database"] = "absent"
		degraded = true
	} else if err := s.deps.DB.Ping(r.Context()); err != nil {
		report.Components["database"] = "down"
		degraded = true
	} else {
		report.Components["database"] = "ok"
		report.Details["pool"] = s.deps.DB.PoolStats()
	}

	if !s.deps.Cache.Enabled() {
		report.Components["cache"] = "disabled"
	} else if err := s.deps.Cache.Ping(r.Context()); err != nil {
		report.Components["cache"] = "down"
		degraded = true
	} else {
		report.Components["cache"] = "ok"
	}

	if s.deps.Stream != nil {
		report.Components["stream"] = s.deps.Stream.State()
		if counted, ok := s.deps.Stream.(interface{ Stats() venue.StreamStats }); ok {
			report.Details["stream"] = counted.Stats()
		}
	}
	if s.deps.Dispatcher != nil {
		report.Components["dispatcher"] = s.deps.Dispatcher.State()
		if s.deps.Dispatcher.State() == "stopped" {
			degraded = true
		}
	}
	if s.deps.Active != nil {
		report.Details["active_markets"] = s.deps.Active()
	}
	if s.deps.Hub != nil {
		report.Details["ws_clients"] = s.deps.Hub.ClientCount()
	}

	status := http.StatusOK
	if degraded {
		report.Status = "degraded"
	}
	writeJSON(w, status, report)
}
