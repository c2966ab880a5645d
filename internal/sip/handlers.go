package sip

import (
	"strconv"
	"strings"

	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/media"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

// handleOptions answers capability probes and keepalive pings.
func (h *Handler) handleOptions(req *sipmsg.Message) []*sipmsg.Message {
	res := sipmsg.NewResponse(req, 200, sipmsg.ReasonPhrase(200))
	res.Add("Allow", allowedMethods)
	res.Add("Accept", "application/sdp")
	return []*sipmsg.Message{res}
}

// handleInfo processes mid-call INFO requests. DTMF bodies are published
// as dtmf events; other bodies are acknowledged and ignored.
func (h *Handler) handleInfo(req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	callID := req.CallID()
	call, ok := h.dialogs.Get(callID)
	if !ok {
		h.logger.Info("info for unknown call", "call_id", callID, "source", in.ReturnAddr)
		return respond(req, 481)
	}

	ct := req.Get("Content-Type")
	if ct == "" {
		h.logger.Debug("info without content-type, ignoring", "call_id", callID)
		return respond(req, 200)
	}

	kp, err := media.DecodeKeypress(ct, req.Body)
	if err != nil {
		h.logger.Debug("info without keypress",
			"content_type", ct,
			"call_id", callID,
		)
		return respond(req, 200)
	}

	user := call.From
	if !fromCaller(call, in) {
		user = call.To
	}
	h.logger.Info("keypress received",
		"digit", kp.Digit,
		"duration_ms", kp.DurationMs,
		"user", user,
		"call_id", callID,
	)
	if h.events != nil {
		h.events.Publish(events.DTMF, map[string]any{
			"call_id":     callID,
			"user":        user,
			"digit":       kp.Digit,
			"duration_ms": kp.DurationMs,
			"format":      kp.Format,
		})
	}
	return respond(req, 200)
}

// handleMessage delivers an instant message to a registered user.
func (h *Handler) handleMessage(req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	dest := sipmsg.URIUser(req.Target)
	if dest == "" {
		dest = sipmsg.URIUser(req.Get("To"))
	}
	reg, ok := h.registrar.Lookup(dest)
	if !ok {
		h.logger.Info("message for unregistered user",
			"destination", dest,
			"source", in.ReturnAddr,
		)
		return respond(req, 404)
	}

	fwd := h.forwardCopy(req, reg.Contact, reg.Transport, newBranch())
	if err := h.send(reg.Transport, reg.Source, fwd); err != nil {
		h.logger.Warn("failed to forward message",
			"destination", dest,
			"error", err,
		)
		return respond(req, 503)
	}
	return respond(req, 202)
}

// handleSubscribe accepts subscriptions, echoing the requested expiry.
func (h *Handler) handleSubscribe(req *sipmsg.Message) []*sipmsg.Message {
	expires := defaultExpiry
	if v := strings.TrimSpace(req.Get("Expires")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			expires = n
		}
	}
	res := sipmsg.NewResponse(req, 200, sipmsg.ReasonPhrase(200))
	res.Add("Expires", strconv.Itoa(expires))
	return []*sipmsg.Message{res}
}
