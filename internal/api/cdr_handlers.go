package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/accesspbx/internal/database"
	"github.com/flowpbx/accesspbx/internal/database/models"
)

// exportLimit caps the number of rows in one CSV export.
const exportLimit = 10000

var validDispositions = map[string]bool{
	"answered":  true,
	"cancelled": true,
	"no_answer": true,
	"failed":    true,
}

// cdrMedia is the media summary captured on a CDR.
type cdrMedia struct {
	Version     string   `json:"version,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
	Lines       []string `json:"lines,omitempty"`
}

// cdrResponse is the JSON response for a single CDR.
type cdrResponse struct {
	Seq                int64    `json:"seq"`
	ID                 string   `json:"id"`
	CallID             string   `json:"call_id"`
	From               string   `json:"from"`
	To                 string   `json:"to"`
	Route              string   `json:"route"`
	Transport          string   `json:"transport"`
	Source             string   `json:"source"`
	StartTime          string   `json:"start_time"`
	AnswerTime         *string  `json:"answer_time"`
	EndTime            string   `json:"end_time"`
	DurationMs         int64    `json:"duration_ms"`
	FinalState         string   `json:"final_state"`
	Disposition        string   `json:"disposition"`
	HangupCause        string   `json:"hangup_cause"`
	Media              cdrMedia `json:"media"`
	CallerScreenReader bool     `json:"caller_screen_reader"`
	CalleeScreenReader bool     `json:"callee_screen_reader"`
}

// toCDRResponse converts a models.CDR to the API response.
func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		Seq:         c.Seq,
		ID:          c.ID,
		CallID:      c.CallID,
		From:        c.From,
		To:          c.To,
		Route:       c.Route,
		Transport:   c.Transport,
		Source:      c.Source,
		StartTime:   c.StartTime.UTC().Format(time.RFC3339),
		EndTime:     c.EndTime.UTC().Format(time.RFC3339),
		DurationMs:  c.Duration.Milliseconds(),
		FinalState:  c.FinalState,
		Disposition: c.Disposition,
		HangupCause: c.HangupCause,
		Media: cdrMedia{
			Version:     c.MediaVersion,
			Origin:      c.MediaOrigin,
			SessionName: c.MediaSessionName,
			Lines:       c.MediaLines,
		},
		CallerScreenReader: c.CallerScreenReader,
		CalleeScreenReader: c.CalleeScreenReader,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.UTC().Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	return resp
}

// cdrFilter reads the search and disposition filters shared by list and
// export. It returns an error message for an unknown disposition.
func cdrFilter(r *http.Request) (database.CDRListFilter, string) {
	q := r.URL.Query()
	disposition := q.Get("disposition")
	if disposition != "" && !validDispositions[disposition] {
		return database.CDRListFilter{}, `disposition must be "answered", "cancelled", "no_answer", or "failed"`
	}
	return database.CDRListFilter{
		Search:      strings.TrimSpace(q.Get("search")),
		Disposition: disposition,
	}, ""
}

// handleListCDRs returns CDRs with pagination and optional filters.
// Query params: limit, offset, search, disposition.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusServiceUnavailable, "cdr log unavailable")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = pg.Limit
	filter.Offset = pg.Offset

	cdrs, total, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

var exportHeader = []string{
	"Seq", "ID", "Call-ID", "From", "To", "Route", "Transport", "Source",
	"Start Time", "Answer Time", "End Time", "Duration (ms)", "Final State",
	"Disposition", "Hangup Cause", "Caller Screen Reader", "Callee Screen Reader",
}

// handleExportCDRs exports CDRs as CSV with the same filters as list.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusServiceUnavailable, "cdr log unavailable")
		return
	}

	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = exportLimit

	cdrs, _, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write(exportHeader) //nolint:errcheck

	for _, c := range cdrs {
		answerTime := ""
		if c.AnswerTime != nil {
			answerTime = c.AnswerTime.UTC().Format(time.RFC3339)
		}

		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(c.Seq, 10),
			c.ID,
			c.CallID,
			c.From,
			c.To,
			c.Route,
			c.Transport,
			c.Source,
			c.StartTime.UTC().Format(time.RFC3339),
			answerTime,
			c.EndTime.UTC().Format(time.RFC3339),
			strconv.FormatInt(c.Duration.Milliseconds(), 10),
			c.FinalState,
			c.Disposition,
			c.HangupCause,
			strconv.FormatBool(c.CallerScreenReader),
			strconv.FormatBool(c.CalleeScreenReader),
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("export cdrs: csv write error", "error", err)
	}
}
