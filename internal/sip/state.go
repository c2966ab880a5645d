package sip

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/accesspbx/internal/media"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
	"github.com/looplab/fsm"
)

// TransportKind identifies the channel a message arrived on.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
	TransportWS  TransportKind = "ws"
)

// viaToken is the transport token used in a Via header sent on this kind.
func (k TransportKind) viaToken() string {
	switch k {
	case TransportTCP:
		return "TCP"
	case TransportWS:
		return "WS"
	default:
		return "UDP"
	}
}

// Accessibility holds the preferences a user declared when registering.
type Accessibility struct {
	ScreenReader bool `json:"screen_reader"`
	VoiceSpeed   int  `json:"voice_speed"`
	HighContrast bool `json:"high_contrast"`
}

const defaultVoiceSpeed = 150

// Accessibility header names.
const (
	headerScreenReader = "X-Screen-Reader"
	headerVoiceSpeed   = "X-Voice-Speed"
	headerHighContrast = "X-High-Contrast"
)

// accessibilityFrom reads the accessibility headers of msg. Missing or
// unparseable values fall back to disabled and the default voice speed.
func accessibilityFrom(msg *sipmsg.Message) Accessibility {
	a := Accessibility{
		ScreenReader: headerFlag(msg.Get(headerScreenReader)),
		VoiceSpeed:   defaultVoiceSpeed,
		HighContrast: headerFlag(msg.Get(headerHighContrast)),
	}
	if v := strings.TrimSpace(msg.Get(headerVoiceSpeed)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.VoiceSpeed = n
		}
	}
	return a
}

func headerFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Registration is the current reachable contact of an address-of-record.
type Registration struct {
	AOR           string        `json:"aor"`
	Contact       string        `json:"contact"`
	Transport     TransportKind `json:"transport"`
	Source        string        `json:"source"`
	Expires       time.Time     `json:"expires"`
	RegisteredAt  time.Time     `json:"registered_at"`
	UserAgent     string        `json:"user_agent,omitempty"`
	Accessibility Accessibility `json:"accessibility"`
}

// CallState is the position of a call in its state machine.
type CallState string

const (
	StateTrying      CallState = "trying"
	StateRinging     CallState = "ringing"
	StateEstablished CallState = "established"
	StateTerminated  CallState = "terminated"
	StateCancelled   CallState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	return s == StateTerminated || s == StateCancelled
}

// Call is a snapshot of a tracked call session.
type Call struct {
	ID                 string        `json:"id"`
	From               string        `json:"from"`
	To                 string        `json:"to"`
	State              CallState     `json:"state"`
	Route              RouteKind     `json:"route"`
	Transport          TransportKind `json:"transport"`
	Source             string        `json:"source"`
	StartTime          time.Time     `json:"start_time"`
	AnswerTime         *time.Time    `json:"answer_time,omitempty"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	Duration           time.Duration `json:"duration"`
	Media              media.Summary `json:"media"`
	CallerScreenReader bool          `json:"caller_screen_reader"`
	CalleeScreenReader bool          `json:"callee_screen_reader"`
}

// forwardLeg records where an INVITE was forwarded so later responses
// and in-dialog requests can be correlated.
type forwardLeg struct {
	branch    string
	target    string
	transport TransportKind
	addr      string
}

// dialog is the mutable record behind a Call. It is only touched while
// State.mu is held.
type dialog struct {
	Call
	machine     *fsm.FSM
	invite      *sipmsg.Message
	leg         *forwardLeg
	callerVoice int
	calleeVoice int
}

// finishedTTL bounds how long a finished call id is remembered so that
// duplicate BYE and CANCEL requests are answered idempotently.
const finishedTTL = 10 * time.Minute

// State owns the registrar table and the active-call table. Both are
// protected by the one mutex; handlers never perform network I/O while
// holding it.
type State struct {
	mu       sync.Mutex
	now      func() time.Time
	regs     map[string]*Registration
	calls    map[string]*dialog
	finished map[string]time.Time
}

// NewState creates empty tables. now defaults to time.Now.
func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		now:      now,
		regs:     make(map[string]*Registration),
		calls:    make(map[string]*dialog),
		finished: make(map[string]time.Time),
	}
}

// pruneFinishedLocked drops tombstones older than finishedTTL.
func (s *State) pruneFinishedLocked(now time.Time) {
	for id, at := range s.finished {
		if now.Sub(at) > finishedTTL {
			delete(s.finished, id)
		}
	}
}
