package sip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

func newTestDialogs() (*DialogManager, *fakeClock, *recordingSink, *recordingPublisher) {
	clock := newFakeClock()
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	return NewDialogManager(NewState(clock.Now), sink, pub, testLogger()), clock, sink, pub
}

func TestDialogManager_LifecycleDuration(t *testing.T) {
	dm, clock, sink, pub := newTestDialogs()
	ctx := context.Background()

	invite, err := sipmsg.Decode([]byte(inviteRequest("X", "1001", "1002")))
	if err != nil {
		t.Fatalf("decoding invite: %v", err)
	}
	if _, err := dm.Create(ctx, NewCall{ID: "X", From: "1001", To: "1002", Route: RouteRegisteredUser, Invite: invite}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := dm.Ring(ctx, "X"); err != nil {
		t.Fatalf("Ring() error: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := dm.Establish(ctx, "X"); err != nil {
		t.Fatalf("Establish() error: %v", err)
	}

	const d = 42 * time.Second
	clock.Advance(d - 2*time.Second)
	call, err := dm.Terminate(ctx, "X", CauseNormalClearing, false)
	if err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if call.Duration != d {
		t.Errorf("Duration = %s, want %s", call.Duration, d)
	}
	if call.State != StateTerminated {
		t.Errorf("State = %q, want terminated", call.State)
	}
	if _, ok := dm.Get("X"); ok {
		t.Error("terminated call still in the active table")
	}

	cdrs := sink.all()
	if len(cdrs) != 1 {
		t.Fatalf("CDRs = %d, want 1", len(cdrs))
	}
	rec := cdrs[0]
	if rec.Duration != d || rec.Disposition != "answered" || rec.FinalState != "terminated" {
		t.Errorf("CDR = duration %s disposition %q state %q", rec.Duration, rec.Disposition, rec.FinalState)
	}
	if rec.MediaSessionName != "call" || len(rec.MediaLines) != 1 || rec.MediaOrigin == "" {
		t.Errorf("CDR media = %q %v %q", rec.MediaSessionName, rec.MediaLines, rec.MediaOrigin)
	}
	if rec.AnswerTime == nil || rec.AnswerTime.Sub(rec.StartTime) != 2*time.Second {
		t.Errorf("AnswerTime = %v, want start+2s", rec.AnswerTime)
	}

	for _, typ := range []events.Type{events.CallRinging, events.CallStarted, events.CallEnded} {
		if n := len(pub.ofType(typ)); n != 1 {
			t.Errorf("%s events = %d, want 1", typ, n)
		}
	}
}

func TestDialogManager_IdempotentCancel(t *testing.T) {
	dm, _, sink, _ := newTestDialogs()
	ctx := context.Background()

	dm.Create(ctx, NewCall{ID: "c1", From: "1001", To: "9100", Route: RouteConference})
	dm.Ring(ctx, "c1")

	call, err := dm.Cancel(ctx, "c1")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if call.State != StateCancelled {
		t.Errorf("State = %q, want cancelled", call.State)
	}

	if _, err := dm.Cancel(ctx, "c1"); !errors.Is(err, ErrCallFinished) {
		t.Errorf("second Cancel() error = %v, want ErrCallFinished", err)
	}
	if _, err := dm.Terminate(ctx, "c1", CauseNormalClearing, false); !errors.Is(err, ErrCallFinished) {
		t.Errorf("Terminate() after cancel error = %v, want ErrCallFinished", err)
	}
	if n := len(sink.all()); n != 1 {
		t.Errorf("CDRs = %d, want 1", n)
	}
	if got := sink.all()[0].Disposition; got != "cancelled" {
		t.Errorf("Disposition = %q, want cancelled", got)
	}
}

func TestDialogManager_ForwardOnlyTransitions(t *testing.T) {
	dm, _, sink, _ := newTestDialogs()
	ctx := context.Background()

	dm.Create(ctx, NewCall{ID: "c1", From: "1001", To: "1002"})

	// Trying cannot be established directly.
	if _, err := dm.Establish(ctx, "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Establish() from trying error = %v, want ErrInvalidTransition", err)
	}
	dm.Ring(ctx, "c1")
	if _, err := dm.Ring(ctx, "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Ring() twice error = %v, want ErrInvalidTransition", err)
	}
	dm.Establish(ctx, "c1")

	// An answered call cannot be cancelled, and stays active.
	if _, err := dm.Cancel(ctx, "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel() established error = %v, want ErrInvalidTransition", err)
	}
	if call, ok := dm.Get("c1"); !ok || call.State != StateEstablished {
		t.Errorf("call after rejected cancel = %+v, %v", call, ok)
	}
	if len(sink.all()) != 0 {
		t.Error("rejected cancel wrote a CDR")
	}
}

func TestDialogManager_UniqueIDs(t *testing.T) {
	dm, clock, _, _ := newTestDialogs()
	ctx := context.Background()

	dm.Create(ctx, NewCall{ID: "c1"})
	if _, err := dm.Create(ctx, NewCall{ID: "c1"}); !errors.Is(err, ErrCallExists) {
		t.Errorf("duplicate Create() error = %v, want ErrCallExists", err)
	}
	dm.Terminate(ctx, "c1", CauseNormalClearing, false)
	if _, err := dm.Create(ctx, NewCall{ID: "c1"}); !errors.Is(err, ErrCallFinished) {
		t.Errorf("Create() of finished id error = %v, want ErrCallFinished", err)
	}

	// Tombstones are pruned after the retention window.
	clock.Advance(finishedTTL + time.Second)
	if dm.IsFinished("c1") {
		t.Error("tombstone survived past its retention window")
	}
	if _, err := dm.Terminate(ctx, "c1", CauseNormalClearing, false); !errors.Is(err, ErrUnknownDialog) {
		t.Errorf("Terminate() of forgotten id error = %v, want ErrUnknownDialog", err)
	}
}

func TestDialogManager_Dispositions(t *testing.T) {
	dm, _, sink, _ := newTestDialogs()
	ctx := context.Background()

	dm.Create(ctx, NewCall{ID: "unanswered"})
	dm.Ring(ctx, "unanswered")
	dm.Terminate(ctx, "unanswered", CauseNormalClearing, false)

	dm.Create(ctx, NewCall{ID: "rejected"})
	dm.Ring(ctx, "rejected")
	dm.Terminate(ctx, "rejected", "callee_486", true)

	got := sink.all()
	if got[0].Disposition != "no_answer" {
		t.Errorf("unanswered disposition = %q, want no_answer", got[0].Disposition)
	}
	if got[1].Disposition != "failed" || got[1].HangupCause != "callee_486" {
		t.Errorf("rejected = %q/%q, want failed/callee_486", got[1].Disposition, got[1].HangupCause)
	}
}

func TestDialogManager_ScreenReaderAnnouncement(t *testing.T) {
	dm, _, _, pub := newTestDialogs()
	ctx := context.Background()

	dm.Create(ctx, NewCall{ID: "c1", From: "1001", To: "1002",
		Callee: Accessibility{ScreenReader: true, VoiceSpeed: 180}})
	dm.Ring(ctx, "c1")

	ann := pub.ofType(events.AccessibilityAnnouncement)
	if len(ann) != 1 {
		t.Fatalf("announcements = %d, want 1", len(ann))
	}
	if ann[0].payload["user"] != "1002" || ann[0].payload["voice_speed"] != 180 {
		t.Errorf("announcement payload = %v", ann[0].payload)
	}
}
