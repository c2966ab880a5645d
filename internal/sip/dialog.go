package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flowpbx/accesspbx/internal/database/models"
	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/media"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

var (
	ErrUnknownDialog     = fmt.Errorf("call does not exist")
	ErrCallExists        = fmt.Errorf("call already active")
	ErrCallFinished      = fmt.Errorf("call already finished")
	ErrInvalidTransition = fmt.Errorf("invalid call state transition")
)

// Call state machine events.
const (
	eventRing      = "ring"
	eventEstablish = "establish"
	eventTerminate = "terminate"
	eventCancel    = "cancel"
)

// Hangup causes recorded on CDRs.
const (
	CauseNormalClearing   = "normal_clearing"
	CauseOriginatorCancel = "originator_cancel"
	CauseForwardFailed    = "forward_failed"
	CauseFeatureRefused   = "feature_refused"
)

// CDRSink receives the record of every finished call.
type CDRSink interface {
	Append(ctx context.Context, rec models.CDR)
}

func newCallMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateTrying),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateTrying)}, Dst: string(StateRinging)},
			{Name: eventEstablish, Src: []string{string(StateRinging)}, Dst: string(StateEstablished)},
			{Name: eventTerminate, Src: []string{string(StateTrying), string(StateRinging), string(StateEstablished)}, Dst: string(StateTerminated)},
			{Name: eventCancel, Src: []string{string(StateTrying), string(StateRinging)}, Dst: string(StateCancelled)},
		},
		fsm.Callbacks{},
	)
}

// DialogManager tracks active calls in the shared State, advances them
// through the call state machine and archives each finished call as a CDR.
type DialogManager struct {
	state  *State
	cdrs   CDRSink
	events events.Publisher
	logger *slog.Logger
}

// NewDialogManager creates a dialog manager over state. cdrs and pub may be
// nil.
func NewDialogManager(state *State, cdrs CDRSink, pub events.Publisher, logger *slog.Logger) *DialogManager {
	return &DialogManager{
		state:  state,
		cdrs:   cdrs,
		events: pub,
		logger: logger.With("subsystem", "dialog"),
	}
}

// NewCall describes a call being set up.
type NewCall struct {
	ID        string
	From      string
	To        string
	Route     RouteKind
	Transport TransportKind
	Source    string
	Invite    *sipmsg.Message
	Caller    Accessibility
	Callee    Accessibility
}

// Create adds a call in Trying. It fails with ErrCallExists when the id is
// active and ErrCallFinished when the id belongs to a finished call.
func (dm *DialogManager) Create(ctx context.Context, nc NewCall) (Call, error) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()

	now := dm.state.now()
	dm.state.pruneFinishedLocked(now)
	if _, ok := dm.state.calls[nc.ID]; ok {
		return Call{}, ErrCallExists
	}
	if _, ok := dm.state.finished[nc.ID]; ok {
		return Call{}, ErrCallFinished
	}

	d := &dialog{
		Call: Call{
			ID:                 nc.ID,
			From:               nc.From,
			To:                 nc.To,
			State:              StateTrying,
			Route:              nc.Route,
			Transport:          nc.Transport,
			Source:             nc.Source,
			StartTime:          now,
			CallerScreenReader: nc.Caller.ScreenReader,
			CalleeScreenReader: nc.Callee.ScreenReader,
		},
		machine:     newCallMachine(),
		invite:      nc.Invite,
		callerVoice: nc.Caller.VoiceSpeed,
		calleeVoice: nc.Callee.VoiceSpeed,
	}
	if nc.Invite != nil {
		d.Media = media.Summarize(nc.Invite.Body)
	}
	dm.state.calls[nc.ID] = d

	dm.logger.Info("call created",
		"call_id", nc.ID,
		"from", nc.From,
		"to", nc.To,
		"route", nc.Route,
		"transport", nc.Transport,
	)
	return d.Call, nil
}

// Ring moves a call from Trying to Ringing.
func (dm *DialogManager) Ring(ctx context.Context, id string) (Call, error) {
	dm.state.mu.Lock()
	d, err := dm.transitionLocked(ctx, id, eventRing)
	if err != nil {
		dm.state.mu.Unlock()
		return Call{}, err
	}
	call, calleeVoice := d.Call, d.calleeVoice
	dm.state.mu.Unlock()

	dm.publish(events.CallRinging, map[string]any{
		"call_id": call.ID,
		"from":    call.From,
		"to":      call.To,
		"route":   string(call.Route),
	})
	if call.CalleeScreenReader {
		dm.publish(events.AccessibilityAnnouncement, map[string]any{
			"call_id":     call.ID,
			"user":        call.To,
			"text":        "Incoming call from " + call.From,
			"voice_speed": calleeVoice,
		})
	}
	return call, nil
}

// Answer records the time the callee accepted the call. Only the first
// answer is kept.
func (dm *DialogManager) Answer(id string) (Call, error) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()

	d, ok := dm.state.calls[id]
	if !ok {
		return Call{}, ErrUnknownDialog
	}
	if d.AnswerTime == nil {
		t := dm.state.now()
		d.AnswerTime = &t
	}
	return d.Call, nil
}

// Establish moves a Ringing call to Established. It is driven by the
// caller's ACK.
func (dm *DialogManager) Establish(ctx context.Context, id string) (Call, error) {
	dm.state.mu.Lock()
	d, err := dm.transitionLocked(ctx, id, eventEstablish)
	if err != nil {
		dm.state.mu.Unlock()
		return Call{}, err
	}
	if d.AnswerTime == nil {
		t := dm.state.now()
		d.AnswerTime = &t
	}
	call := d.Call
	dm.state.mu.Unlock()

	dm.publish(events.CallStarted, map[string]any{
		"call_id": call.ID,
		"from":    call.From,
		"to":      call.To,
		"route":   string(call.Route),
	})
	return call, nil
}

// Terminate ends a call with the given hangup cause and archives it.
// failed marks the call as rejected by the far end.
func (dm *DialogManager) Terminate(ctx context.Context, id, cause string, failed bool) (Call, error) {
	return dm.finish(ctx, id, eventTerminate, cause, func(d *dialog) string {
		switch {
		case failed:
			return "failed"
		case d.AnswerTime != nil || d.State == StateEstablished:
			return "answered"
		}
		return "no_answer"
	})
}

// Cancel ends a call that has not been established yet. Cancelling an
// Established call fails with ErrInvalidTransition.
func (dm *DialogManager) Cancel(ctx context.Context, id string) (Call, error) {
	return dm.finish(ctx, id, eventCancel, CauseOriginatorCancel, func(*dialog) string {
		return "cancelled"
	})
}

// Get returns a snapshot of an active call.
func (dm *DialogManager) Get(id string) (Call, bool) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	d, ok := dm.state.calls[id]
	if !ok {
		return Call{}, false
	}
	return d.Call, true
}

// IsFinished reports whether id belongs to a recently finished call.
func (dm *DialogManager) IsFinished(id string) bool {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	dm.state.pruneFinishedLocked(dm.state.now())
	_, ok := dm.state.finished[id]
	return ok
}

// ActiveCalls returns snapshots of all active calls ordered by start time.
func (dm *DialogManager) ActiveCalls() []Call {
	dm.state.mu.Lock()
	calls := make([]Call, 0, len(dm.state.calls))
	for _, d := range dm.state.calls {
		calls = append(calls, d.Call)
	}
	dm.state.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].StartTime.Equal(calls[j].StartTime) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].StartTime.Before(calls[j].StartTime)
	})
	return calls
}

// ActiveCallCount returns the number of active calls.
func (dm *DialogManager) ActiveCallCount() int {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	return len(dm.state.calls)
}

// setLeg records where the call's INVITE was forwarded.
func (dm *DialogManager) setLeg(id string, leg *forwardLeg) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	if d, ok := dm.state.calls[id]; ok {
		d.leg = leg
	}
}

// peerInfo returns the call snapshot, its forwarded leg (nil if none) and
// the original INVITE.
func (dm *DialogManager) peerInfo(id string) (Call, *forwardLeg, *sipmsg.Message, bool) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	d, ok := dm.state.calls[id]
	if !ok {
		return Call{}, nil, nil, false
	}
	var leg *forwardLeg
	if d.leg != nil {
		l := *d.leg
		leg = &l
	}
	return d.Call, leg, d.invite, true
}

// callerVoiceSpeed returns the caller's preferred announcement speed.
func (dm *DialogManager) callerVoiceSpeed(id string) int {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	if d, ok := dm.state.calls[id]; ok && d.callerVoice > 0 {
		return d.callerVoice
	}
	return defaultVoiceSpeed
}

// transitionLocked fires event on the call's state machine. state.mu must
// be held.
func (dm *DialogManager) transitionLocked(ctx context.Context, id, event string) (*dialog, error) {
	d, ok := dm.state.calls[id]
	if !ok {
		if _, done := dm.state.finished[id]; done {
			return nil, ErrCallFinished
		}
		return nil, ErrUnknownDialog
	}
	if !d.machine.Can(event) {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, d.machine.Current())
	}
	if err := d.machine.Event(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	d.State = CallState(d.machine.Current())
	return d, nil
}

// finish applies a terminal event, removes the call from the active table,
// remembers its id and emits exactly one CDR.
func (dm *DialogManager) finish(ctx context.Context, id, event, cause string, disposition func(*dialog) string) (Call, error) {
	dm.state.mu.Lock()
	d, ok := dm.state.calls[id]
	if !ok {
		_, done := dm.state.finished[id]
		dm.state.mu.Unlock()
		if done {
			return Call{}, ErrCallFinished
		}
		return Call{}, ErrUnknownDialog
	}
	disp := disposition(d)
	if _, err := dm.transitionLocked(ctx, id, event); err != nil {
		dm.state.mu.Unlock()
		return Call{}, err
	}
	end := dm.state.now()
	d.EndTime = &end
	d.Duration = end.Sub(d.StartTime)
	delete(dm.state.calls, id)
	dm.state.finished[id] = end
	call := d.Call
	dm.state.mu.Unlock()

	dm.logger.Info("call ended",
		"call_id", id,
		"state", call.State,
		"disposition", disp,
		"hangup_cause", cause,
		"duration_ms", call.Duration.Milliseconds(),
	)

	if dm.cdrs != nil {
		dm.cdrs.Append(ctx, buildCDR(call, disp, cause, end))
	}
	dm.publish(events.CallEnded, map[string]any{
		"call_id":     call.ID,
		"from":        call.From,
		"to":          call.To,
		"state":       string(call.State),
		"disposition": disp,
		"duration_ms": call.Duration.Milliseconds(),
	})
	return call, nil
}

func buildCDR(call Call, disposition, cause string, recordedAt time.Time) models.CDR {
	rec := models.CDR{
		ID:                 uuid.NewString(),
		CallID:             call.ID,
		From:               call.From,
		To:                 call.To,
		Route:              string(call.Route),
		Transport:          string(call.Transport),
		Source:             call.Source,
		StartTime:          call.StartTime,
		AnswerTime:         call.AnswerTime,
		Duration:           call.Duration,
		FinalState:         string(call.State),
		Disposition:        disposition,
		HangupCause:        cause,
		MediaVersion:       call.Media.Version,
		MediaSessionName:   call.Media.SessionName,
		MediaLines:         call.Media.Media,
		CallerScreenReader: call.CallerScreenReader,
		CalleeScreenReader: call.CalleeScreenReader,
		RecordedAt:         recordedAt,
	}
	if call.EndTime != nil {
		rec.EndTime = *call.EndTime
	}
	if call.Media.Origin != nil {
		rec.MediaOrigin = call.Media.Origin.String()
	}
	return rec
}

func (dm *DialogManager) publish(typ events.Type, payload map[string]any) {
	if dm.events == nil {
		return
	}
	dm.events.Publish(typ, payload)
}

// discard removes a call that could not be routed. No CDR is written and
// the id may be reused.
func (dm *DialogManager) discard(id string) {
	dm.state.mu.Lock()
	defer dm.state.mu.Unlock()
	delete(dm.state.calls, id)
}
