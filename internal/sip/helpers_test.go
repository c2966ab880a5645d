package sip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/accesspbx/internal/database/models"
	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	typ     events.Type
	payload map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(typ events.Type, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{typ: typ, payload: payload})
}

func (p *recordingPublisher) ofType(typ events.Type) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu   sync.Mutex
	cdrs []models.CDR
}

func (s *recordingSink) Append(_ context.Context, rec models.CDR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cdrs = append(s.cdrs, rec)
}

func (s *recordingSink) all() []models.CDR {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CDR(nil), s.cdrs...)
}

type sentMessage struct {
	addr string
	msg  *sipmsg.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) Send(addr string, data []byte) error {
	if s.err != nil {
		return s.err
	}
	msg, err := sipmsg.Decode(data)
	if err != nil {
		return fmt.Errorf("fake sender got undecodable message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{addr: addr, msg: msg})
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// testEnv wires a handler over a fake clock with recording collaborators.
type testEnv struct {
	clock   *fakeClock
	pub     *recordingPublisher
	sink    *recordingSink
	sender  *fakeSender
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	env := &testEnv{
		clock:  clock,
		pub:    &recordingPublisher{},
		sink:   &recordingSink{},
		sender: &fakeSender{},
	}
	state := NewState(clock.Now)
	env.handler = NewHandler(state, env.sink, env.pub, HandlerOptions{LocalAddr: "pbx.test:5060"}, testLogger())
	env.handler.AttachSender(TransportUDP, env.sender)
	return env
}

// send dispatches raw over UDP from source and decodes the responses.
func (e *testEnv) send(t *testing.T, source, raw string) []*sipmsg.Message {
	t.Helper()
	out := e.handler.HandleInbound(context.Background(), InboundMessage{
		Payload:    []byte(raw),
		Transport:  TransportUDP,
		ReturnAddr: source,
	})
	msgs := make([]*sipmsg.Message, 0, len(out))
	for _, b := range out {
		m, err := sipmsg.Decode(b)
		if err != nil {
			t.Fatalf("response does not decode: %v\n%s", err, b)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// register registers user at source with the given extra headers.
func (e *testEnv) register(t *testing.T, user, source string, extra ...string) {
	t.Helper()
	res := e.send(t, source, registerRequest(user, "sip:"+user+"@"+source, "3600", extra...))
	if len(res) != 1 || res[0].StatusCode != 200 {
		t.Fatalf("register %s: unexpected responses %v", user, statusCodes(res))
	}
}

func statusCodes(msgs []*sipmsg.Message) []int {
	codes := make([]int, len(msgs))
	for i, m := range msgs {
		codes[i] = m.StatusCode
	}
	return codes
}

func buildRequest(method, target string, headers []string, body string) string {
	var b strings.Builder
	b.WriteString(method + " " + target + " SIP/2.0\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return b.String()
}

func registerRequest(user, contact, expires string, extra ...string) string {
	headers := []string{
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKreg" + user,
		"From: <sip:" + user + "@pbx.test>;tag=r1",
		"To: <sip:" + user + "@pbx.test>",
		"Call-ID: reg-" + user,
		"CSeq: 1 REGISTER",
		"Contact: <" + contact + ">",
		"Expires: " + expires,
	}
	return buildRequest("REGISTER", "sip:pbx.test", append(headers, extra...), "")
}

func dialogRequest(method, callID, from, to string, cseq int, extra ...string) string {
	headers := []string{
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK" + strings.ToLower(method) + callID,
		"From: <sip:" + from + "@pbx.test>;tag=caller",
		"To: <sip:" + to + "@pbx.test>",
		"Call-ID: " + callID,
		fmt.Sprintf("CSeq: %d %s", cseq, method),
		"Max-Forwards: 70",
	}
	return buildRequest(method, "sip:"+to+"@pbx.test", append(headers, extra...), "")
}

const testSDP = "v=0\r\no=alice 1 1 IN IP4 10.0.0.1\r\ns=call\r\nm=audio 4000 RTP/AVP 0\r\n"

func inviteRequest(callID, from, to string, extra ...string) string {
	headers := []string{
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKinv" + callID,
		"From: <sip:" + from + "@pbx.test>;tag=caller",
		"To: <sip:" + to + "@pbx.test>",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		"Contact: <sip:" + from + "@10.0.0.1:5060>",
		"Max-Forwards: 70",
		"Content-Type: application/sdp",
	}
	return buildRequest("INVITE", "sip:"+to+"@pbx.test", append(headers, extra...), testSDP)
}
