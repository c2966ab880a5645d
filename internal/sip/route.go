package sip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/accesspbx/internal/events"
)

// RouteKind is the handling path chosen for a dialed destination.
type RouteKind string

const (
	RouteRegisteredUser RouteKind = "registered_user"
	RouteConference     RouteKind = "conference"
	RouteQueue          RouteKind = "queue"
	RouteVoicemail      RouteKind = "voicemail"
	RouteUnknown        RouteKind = "unknown"
)

// Reserved voicemail access codes.
var voicemailCodes = map[string]bool{
	"*97": true,
	"*98": true,
}

var (
	ErrRoutingFailure     = fmt.Errorf("destination not routable")
	ErrFeatureUnavailable = fmt.Errorf("feature unavailable")
)

// FeatureHandler takes over calls routed to a conference bridge, queue or
// voicemail. Bridging itself happens outside the signaling core. Returning
// nil accepts the call and the core answers it with 200 OK; an error
// rejects it.
type FeatureHandler interface {
	HandleFeature(ctx context.Context, kind RouteKind, call Call) error
}

// LoggingFeatureHandler records feature-path calls without bridging them.
type LoggingFeatureHandler struct {
	Logger *slog.Logger
}

// HandleFeature logs the hand-off and accepts the call.
func (h LoggingFeatureHandler) HandleFeature(_ context.Context, kind RouteKind, call Call) error {
	h.Logger.Info("call handed to feature collaborator",
		"call_id", call.ID,
		"route", kind,
		"destination", call.To,
	)
	return nil
}

// Router classifies dialed destinations and dispatches calls to their path.
type Router struct {
	registrar *Registrar
	features  FeatureHandler
	dialogs   *DialogManager
	events    events.Publisher
	logger    *slog.Logger
}

// NewRouter creates a router. A nil features handler logs hand-offs.
func NewRouter(registrar *Registrar, dialogs *DialogManager, features FeatureHandler, pub events.Publisher, logger *slog.Logger) *Router {
	logger = logger.With("subsystem", "router")
	if features == nil {
		features = LoggingFeatureHandler{Logger: logger}
	}
	return &Router{
		registrar: registrar,
		features:  features,
		dialogs:   dialogs,
		events:    pub,
		logger:    logger,
	}
}

// Classify returns the routing class of destination. A live registration
// wins over the numeric patterns.
func (r *Router) Classify(destination string) RouteKind {
	if _, ok := r.registrar.Lookup(destination); ok {
		return RouteRegisteredUser
	}
	return ClassifyPattern(destination)
}

// ClassifyPattern applies the registrar-independent rules: four digits
// starting with 9 is a conference, four digits starting with 8 a queue,
// and the reserved codes reach voicemail.
func ClassifyPattern(destination string) RouteKind {
	switch {
	case len(destination) == 4 && destination[0] == '9':
		return RouteConference
	case len(destination) == 4 && destination[0] == '8':
		return RouteQueue
	case voicemailCodes[destination]:
		return RouteVoicemail
	}
	return RouteUnknown
}

// Route dispatches call to its path. For registered users the target
// registration is returned so the caller can forward the request; feature
// paths are handed to the FeatureHandler and return nil once it accepts.
// A refusal is reported as ErrFeatureUnavailable.
func (r *Router) Route(ctx context.Context, call Call) (*Registration, error) {
	switch call.Route {
	case RouteRegisteredUser:
		reg, ok := r.registrar.Lookup(call.To)
		if !ok {
			return nil, fmt.Errorf("%w: %s is no longer registered", ErrRoutingFailure, call.To)
		}
		return &reg, nil
	case RouteConference, RouteQueue, RouteVoicemail:
		if err := r.features.HandleFeature(ctx, call.Route, call); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrFeatureUnavailable, call.Route, call.To, err)
		}
		if call.CallerScreenReader {
			r.announceFeature(call)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRoutingFailure, call.To)
}

func (r *Router) announceFeature(call Call) {
	if r.events == nil {
		return
	}
	var text string
	switch call.Route {
	case RouteConference:
		text = "Joining conference " + call.To
	case RouteQueue:
		text = "You are in queue " + call.To
	case RouteVoicemail:
		text = "Connecting to voicemail"
	}
	speed := defaultVoiceSpeed
	if r.dialogs != nil {
		speed = r.dialogs.callerVoiceSpeed(call.ID)
	}
	r.events.Publish(events.AccessibilityAnnouncement, map[string]any{
		"call_id":     call.ID,
		"user":        call.From,
		"text":        text,
		"voice_speed": speed,
	})
}
