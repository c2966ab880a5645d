package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/accesspbx/internal/cdr"
	"github.com/flowpbx/accesspbx/internal/database/models"
	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sip"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistrations []sip.Registration

func (f fakeRegistrations) List() []sip.Registration { return f }
func (f fakeRegistrations) Count() int                { return len(f) }

type fakeCalls []sip.Call

func (f fakeCalls) ActiveCalls() []sip.Call { return f }
func (f fakeCalls) ActiveCallCount() int    { return len(f) }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

// get issues a GET against the server and returns the recorder.
func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "192.0.2.10:40000"
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

// decodeData unmarshals the envelope and decodes its data field into out.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", rr.Body.String(), err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error %q", env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", rr.Body.String(), err)
	}
	return env.Error
}

func testRegistrations() fakeRegistrations {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return fakeRegistrations{
		{AOR: "1001", Contact: "sip:1001@10.0.0.1:5060", Transport: sip.TransportUDP, Source: "10.0.0.1:5060", Expires: now.Add(time.Hour), RegisteredAt: now,
			Accessibility: sip.Accessibility{ScreenReader: true, VoiceSpeed: 180}},
		{AOR: "1002", Contact: "sip:1002@10.0.0.2:5060", Transport: sip.TransportWS, Source: "10.0.0.2:5060", Expires: now.Add(time.Hour), RegisteredAt: now,
			Accessibility: sip.Accessibility{VoiceSpeed: 150}},
	}
}

func testCDRLog(t *testing.T) *cdr.Log {
	t.Helper()
	log := cdr.NewLog(nil, discardLogger())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	answer := start.Add(3 * time.Second)
	recs := []models.CDR{
		{ID: "a", CallID: "call-1", From: "1001", To: "1002", Route: "registered_user", Transport: "udp",
			StartTime: start, AnswerTime: &answer, EndTime: start.Add(63 * time.Second), Duration: 60 * time.Second,
			FinalState: "terminated", Disposition: "answered", HangupCause: "normal_clearing",
			MediaVersion: "0", MediaSessionName: "call", MediaLines: []string{"audio 49170 RTP/AVP 0"}, CallerScreenReader: true},
		{ID: "b", CallID: "call-2", From: "1002", To: "9101", Route: "conference", Transport: "ws",
			StartTime: start.Add(time.Minute), EndTime: start.Add(time.Minute + 5*time.Second), Duration: 0,
			FinalState: "cancelled", Disposition: "cancelled", HangupCause: "originator_cancel"},
		{ID: "c", CallID: "call-3", From: "1003", To: "1001", Route: "registered_user", Transport: "tcp",
			StartTime: start.Add(2 * time.Minute), EndTime: start.Add(2*time.Minute + time.Second),
			FinalState: "terminated", Disposition: "failed", HangupCause: "callee_486"},
	}
	for _, rec := range recs {
		log.Append(context.Background(), rec)
	}
	return log
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{
		Registrations: testRegistrations(),
		Calls:         fakeCalls{{ID: "x", State: sip.StateRinging, StartTime: time.Now()}},
		StartTime:     time.Now().Add(-90 * time.Second),
		Logger:        discardLogger(),
	})

	rr := get(t, s, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var h healthResponse
	decodeData(t, rr, &h)
	if h.Status != "ok" {
		t.Errorf("expected status ok, got %q", h.Status)
	}
	if h.Registrations != 2 || h.ActiveCalls != 1 {
		t.Errorf("expected 2 registrations and 1 call, got %d and %d", h.Registrations, h.ActiveCalls)
	}
	if h.UptimeSeconds < 90 {
		t.Errorf("expected uptime >= 90s, got %d", h.UptimeSeconds)
	}
}

func TestListRegistrations(t *testing.T) {
	s := NewServer(Options{Registrations: testRegistrations(), Logger: discardLogger()})

	rr := get(t, s, "/api/v1/registrations")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var regs []map[string]any
	decodeData(t, rr, &regs)
	if len(regs) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(regs))
	}
	if regs[0]["aor"] != "1001" || regs[1]["transport"] != "ws" {
		t.Errorf("unexpected registrations: %v", regs)
	}
	acc, _ := regs[0]["accessibility"].(map[string]any)
	if acc["screen_reader"] != true || acc["voice_speed"] != float64(180) {
		t.Errorf("unexpected accessibility: %v", acc)
	}
}

func TestListRegistrationsEmptyIsArray(t *testing.T) {
	s := NewServer(Options{Registrations: fakeRegistrations(nil), Logger: discardLogger()})

	rr := get(t, s, "/api/v1/registrations")
	if !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestUnavailableSources(t *testing.T) {
	s := NewServer(Options{Logger: discardLogger()})

	for _, path := range []string{
		"/api/v1/registrations",
		"/api/v1/calls/active",
		"/api/v1/cdrs",
		"/api/v1/cdrs/export",
		"/api/v1/events",
	} {
		rr := get(t, s, path)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rr.Code)
		}
	}

	// Health still answers without any source attached.
	if rr := get(t, s, "/api/v1/health"); rr.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rr.Code)
	}
}

func TestActiveCalls(t *testing.T) {
	start := time.Now().Add(-5 * time.Second)
	answer := start.Add(2 * time.Second)
	s := NewServer(Options{
		Calls: fakeCalls{{
			ID: "c1", From: "1001", To: "1002", State: sip.StateEstablished,
			Route: sip.RouteRegisteredUser, Transport: sip.TransportUDP, Source: "10.0.0.1:5060",
			StartTime: start, AnswerTime: &answer, CalleeScreenReader: true,
		}},
		Logger: discardLogger(),
	})

	rr := get(t, s, "/api/v1/calls/active")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var calls []callResponse
	decodeData(t, rr, &calls)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.ID != "c1" || c.State != "established" || c.Route != "registered_user" {
		t.Errorf("unexpected call: %+v", c)
	}
	if c.AnswerTime == nil {
		t.Error("expected answer_time to be set")
	}
	if c.ElapsedMs < 5000 {
		t.Errorf("expected elapsed_ms >= 5000, got %d", c.ElapsedMs)
	}
	if !c.CalleeScreenReader || c.CallerScreenReader {
		t.Errorf("unexpected screen reader flags: %+v", c)
	}
}

func TestListCDRs(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	tests := []struct {
		query     string
		wantIDs   []string
		wantTotal int
		wantLimit int
	}{
		{"", []string{"a", "b", "c"}, 3, defaultLimit},
		{"?limit=2", []string{"a", "b"}, 3, 2},
		{"?limit=2&offset=2", []string{"c"}, 3, 2},
		{"?search=1001", []string{"a", "c"}, 2, defaultLimit},
		{"?search=call-2", []string{"b"}, 1, defaultLimit},
		{"?disposition=failed", []string{"c"}, 1, defaultLimit},
		{"?limit=500", []string{"a", "b", "c"}, 3, maxLimit},
	}

	for _, tt := range tests {
		rr := get(t, s, "/api/v1/cdrs"+tt.query)
		if rr.Code != http.StatusOK {
			t.Fatalf("%q: expected 200, got %d", tt.query, rr.Code)
		}

		var page struct {
			Items  []cdrResponse `json:"items"`
			Total  int           `json:"total"`
			Limit  int           `json:"limit"`
			Offset int           `json:"offset"`
		}
		decodeData(t, rr, &page)

		var ids []string
		for _, it := range page.Items {
			ids = append(ids, it.ID)
		}
		if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
			t.Errorf("%q: expected ids %v, got %v", tt.query, tt.wantIDs, ids)
		}
		if page.Total != tt.wantTotal {
			t.Errorf("%q: expected total %d, got %d", tt.query, tt.wantTotal, page.Total)
		}
		if page.Limit != tt.wantLimit {
			t.Errorf("%q: expected limit %d, got %d", tt.query, tt.wantLimit, page.Limit)
		}
	}
}

func TestListCDRsFields(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	rr := get(t, s, "/api/v1/cdrs?limit=1")
	var page struct {
		Items []cdrResponse `json:"items"`
	}
	decodeData(t, rr, &page)
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(page.Items))
	}

	c := page.Items[0]
	if c.Seq != 1 || c.CallID != "call-1" || c.DurationMs != 60000 {
		t.Errorf("unexpected cdr: %+v", c)
	}
	if c.AnswerTime == nil || *c.AnswerTime != "2026-03-01T09:00:03Z" {
		t.Errorf("unexpected answer_time: %v", c.AnswerTime)
	}
	if c.Media.SessionName != "call" || len(c.Media.Lines) != 1 {
		t.Errorf("unexpected media: %+v", c.Media)
	}
	if !c.CallerScreenReader {
		t.Error("expected caller_screen_reader true")
	}
}

func TestListCDRsBadQuery(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	tests := []struct {
		query string
		want  string
	}{
		{"?limit=0", "limit must be a positive integer"},
		{"?limit=abc", "limit must be a positive integer"},
		{"?offset=-1", "offset must be a non-negative integer"},
		{"?disposition=busy", `disposition must be "answered", "cancelled", "no_answer", or "failed"`},
	}

	for _, tt := range tests {
		rr := get(t, s, "/api/v1/cdrs"+tt.query)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", tt.query, rr.Code)
			continue
		}
		if got := decodeError(t, rr); got != tt.want {
			t.Errorf("%q: expected error %q, got %q", tt.query, tt.want, got)
		}
	}
}

func TestExportCDRs(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	rr := get(t, s, "/api/v1/cdrs/export?search=1001")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "cdrs.csv") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d rows", len(rows))
	}
	if rows[0][0] != "Seq" || len(rows[0]) != len(exportHeader) {
		t.Errorf("unexpected header %v", rows[0])
	}
	first := rows[1]
	if first[2] != "call-1" || first[9] != "2026-03-01T09:00:03Z" || first[11] != "60000" || first[13] != "answered" {
		t.Errorf("unexpected first row %v", first)
	}
	if rows[2][9] != "" {
		t.Errorf("expected empty answer time for unanswered call, got %q", rows[2][9])
	}
}

func TestExportCDRsBadDisposition(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	if rr := get(t, s, "/api/v1/cdrs/export?disposition=nope"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "accesspbx_test_gauge", Help: "test"})
	g.Set(7)
	reg.MustRegister(g)

	s := NewServer(Options{Metrics: reg, Logger: discardLogger()})

	rr := get(t, s, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "accesspbx_test_gauge 7") {
		t.Fatalf("expected gauge in output, got:\n%s", rr.Body.String())
	}
}

func TestNotFoundUsesEnvelope(t *testing.T) {
	s := NewServer(Options{Logger: discardLogger()})

	rr := get(t, s, "/api/v1/extensions")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if got := decodeError(t, rr); got != "not found" {
		t.Fatalf("expected 'not found', got %q", got)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	s := NewServer(Options{CDRs: testCDRLog(t), Logger: discardLogger()})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cdrs", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestAPIHeaders(t *testing.T) {
	s := NewServer(Options{CORSOrigins: "https://console.example.com", Logger: discardLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("expected CORS origin, got %q", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
}

func TestRateLimitedRequest(t *testing.T) {
	s := NewServer(Options{Limiter: denyAll{}, Logger: discardLogger()})

	rr := get(t, s, "/api/v1/health")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{5*time.Hour + 30*time.Minute, "5h 30m 0s"},
		{50*time.Hour + time.Second, "2d 2h 0m 1s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

// startEventServer runs the API over a real listener so the websocket
// handshake can hijack the connection.
func startEventServer(t *testing.T, origins string) (*Server, *events.Notifier, string) {
	t.Helper()
	n := events.NewNotifier(16, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	s := NewServer(Options{Events: n, CORSOrigins: origins, Logger: discardLogger()})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
		cancel()
	})
	return s, n, "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
}

func TestEventStream(t *testing.T) {
	s, n, url := startEventServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	n.Publish(events.CallStarted, map[string]any{"call_id": "c1", "from": "1001"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Data events.Event `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Data.Type != events.CallStarted {
		t.Errorf("expected callStarted, got %q", frame.Data.Type)
	}
	if frame.Data.Payload["call_id"] != "c1" {
		t.Errorf("unexpected payload %v", frame.Data.Payload)
	}
	if frame.Data.ID == "" {
		t.Error("expected event id")
	}

	s.Close()
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestEventStreamOrigin(t *testing.T) {
	_, _, url := startEventServer(t, "https://console.example.com")

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	h.Set("Origin", "https://console.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}
