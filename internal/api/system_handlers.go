package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flowpbx/accesspbx/internal/media"
	"github.com/flowpbx/accesspbx/internal/sip"
)

// healthResponse is the JSON response for GET /api/v1/health.
type healthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Registrations int    `json:"registrations"`
	ActiveCalls   int    `json:"active_calls"`
}

// handleHealth reports liveness along with live counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started)
	resp := healthResponse{
		Status:        "ok",
		Uptime:        formatUptime(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
	}
	if s.regs != nil {
		resp.Registrations = s.regs.Count()
	}
	if s.calls != nil {
		resp.ActiveCalls = s.calls.ActiveCallCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRegistrations returns every unexpired registration.
func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	if s.regs == nil {
		writeError(w, http.StatusServiceUnavailable, "registrar unavailable")
		return
	}
	regs := s.regs.List()
	if regs == nil {
		regs = []sip.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

// callResponse is the JSON response for one call in progress.
type callResponse struct {
	ID                 string        `json:"id"`
	From               string        `json:"from"`
	To                 string        `json:"to"`
	State              string        `json:"state"`
	Route              string        `json:"route"`
	Transport          string        `json:"transport"`
	Source             string        `json:"source"`
	StartTime          string        `json:"start_time"`
	AnswerTime         *string       `json:"answer_time"`
	ElapsedMs          int64         `json:"elapsed_ms"`
	Media              media.Summary `json:"media"`
	CallerScreenReader bool          `json:"caller_screen_reader"`
	CalleeScreenReader bool          `json:"callee_screen_reader"`
}

func toCallResponse(c *sip.Call, now time.Time) callResponse {
	resp := callResponse{
		ID:                 c.ID,
		From:               c.From,
		To:                 c.To,
		State:              string(c.State),
		Route:              string(c.Route),
		Transport:          string(c.Transport),
		Source:             c.Source,
		StartTime:          c.StartTime.UTC().Format(time.RFC3339),
		ElapsedMs:          now.Sub(c.StartTime).Milliseconds(),
		Media:              c.Media,
		CallerScreenReader: c.CallerScreenReader,
		CalleeScreenReader: c.CalleeScreenReader,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.UTC().Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	return resp
}

// handleActiveCalls returns the calls that have not reached a final state.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call state unavailable")
		return
	}
	calls := s.calls.ActiveCalls()
	now := time.Now()
	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i], now)
	}
	writeJSON(w, http.StatusOK, items)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
