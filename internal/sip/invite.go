package sip

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

// handleInvite sets up a call: classify the destination, create the call,
// dispatch it to its route and answer 100 Trying plus 180 Ringing. Calls a
// feature collaborator accepts are answered with 200 OK as well; forwarded
// calls get their final response from the callee.
func (h *Handler) handleInvite(ctx context.Context, req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	callID := req.CallID()
	if callID == "" {
		return respond(req, 400)
	}

	if call, ok := h.dialogs.Get(callID); ok {
		return h.handleRepeatedInvite(req, call)
	}
	if h.dialogs.IsFinished(callID) {
		return respond(req, 481)
	}

	dest := sipmsg.URIUser(req.Target)
	if dest == "" {
		dest = sipmsg.URIUser(req.Get("To"))
	}
	caller := sipmsg.URIUser(req.Get("From"))

	kind := h.router.Classify(dest)
	if kind == RouteUnknown {
		h.logger.Info("routing failure",
			"call_id", callID,
			"from", caller,
			"destination", dest,
			"source", in.ReturnAddr,
		)
		return respond(req, 404)
	}

	callerAccess := accessibilityFrom(req)
	if reg, ok := h.registrar.Lookup(caller); ok {
		callerAccess = reg.Accessibility
	}
	var calleeAccess Accessibility
	if kind == RouteRegisteredUser {
		if reg, ok := h.registrar.Lookup(dest); ok {
			calleeAccess = reg.Accessibility
		}
	}

	call, err := h.dialogs.Create(ctx, NewCall{
		ID:        callID,
		From:      caller,
		To:        dest,
		Route:     kind,
		Transport: in.Transport,
		Source:    in.ReturnAddr,
		Invite:    req,
		Caller:    callerAccess,
		Callee:    calleeAccess,
	})
	switch {
	case errors.Is(err, ErrCallExists):
		return respond(req, 180)
	case errors.Is(err, ErrCallFinished):
		return respond(req, 481)
	case err != nil:
		h.logger.Error("failed to create call", "call_id", callID, "error", err)
		return respond(req, 500)
	}

	trying := sipmsg.NewResponse(req, 100, sipmsg.ReasonPhrase(100))
	ringing := sipmsg.NewResponse(req, 180, sipmsg.ReasonPhrase(180))

	reg, err := h.router.Route(ctx, call)
	switch {
	case errors.Is(err, ErrFeatureUnavailable):
		h.logger.Info("feature refused call", "call_id", callID, "destination", dest, "error", err)
		if _, terr := h.dialogs.Terminate(ctx, callID, CauseFeatureRefused, true); terr != nil {
			h.logger.Error("failed to end refused call", "call_id", callID, "error", terr)
		}
		return []*sipmsg.Message{trying, sipmsg.NewResponse(req, 480, sipmsg.ReasonPhrase(480))}
	case err != nil:
		h.logger.Info("routing failure",
			"call_id", callID,
			"destination", dest,
			"error", err,
		)
		h.dialogs.discard(callID)
		return respond(req, 404)
	}

	// Ringing is entered before anything leaves for the callee so that a
	// response racing in on another transport finds the call in order.
	if _, err := h.dialogs.Ring(ctx, callID); err != nil {
		h.logger.Warn("failed to move call to ringing", "call_id", callID, "error", err)
	}

	if reg == nil {
		if _, err := h.dialogs.Answer(callID); err != nil {
			h.logger.Warn("failed to record answer", "call_id", callID, "error", err)
		}
		return []*sipmsg.Message{trying, ringing, h.answerInvite(req, call)}
	}

	if err := h.forwardInvite(req, call, *reg); err != nil {
		h.logger.Warn("failed to forward invite",
			"call_id", callID,
			"destination", dest,
			"contact", reg.Contact,
			"error", err,
		)
		if _, terr := h.dialogs.Terminate(ctx, callID, CauseForwardFailed, true); terr != nil {
			h.logger.Error("failed to end call after forward failure", "call_id", callID, "error", terr)
		}
		return []*sipmsg.Message{trying, sipmsg.NewResponse(req, 503, sipmsg.ReasonPhrase(503))}
	}

	// The callee may already have answered or rejected while the INVITE was
	// being sent. Its response was relayed, so ours would arrive late.
	if now, ok := h.dialogs.Get(callID); !ok || now.AnswerTime != nil {
		h.logger.Debug("callee responded during forward", "call_id", callID)
		return nil
	}
	return []*sipmsg.Message{trying, ringing}
}

// handleRepeatedInvite answers an INVITE for a call that is already active.
// A retransmission before any answer gets 180 again. Once a feature call is
// answered, or the call is established, the INVITE is answered with 200 OK;
// on an established call that is a session refresh and the media summary is
// left unchanged. A forwarded call the callee has answered gets nothing,
// the callee's 2xx was relayed.
func (h *Handler) handleRepeatedInvite(req *sipmsg.Message, call Call) []*sipmsg.Message {
	h.logger.Debug("invite for active call", "call_id", call.ID, "state", call.State)
	switch {
	case call.State == StateEstablished:
		return []*sipmsg.Message{h.answerInvite(req, call)}
	case call.AnswerTime == nil:
		return respond(req, 180)
	case call.Route != RouteRegisteredUser:
		return []*sipmsg.Message{h.answerInvite(req, call)}
	}
	return nil
}

// answerInvite builds the 200 OK for an INVITE the server answers itself.
// The Contact points back at the server so in-dialog requests return here.
func (h *Handler) answerInvite(req *sipmsg.Message, call Call) *sipmsg.Message {
	res := sipmsg.NewResponse(req, 200, sipmsg.ReasonPhrase(200))
	res.Set("Contact", "<sip:"+call.To+"@"+h.localAddr+">")
	return res
}

// forwardInvite sends the INVITE to the callee's registered contact over
// the transport it registered on. The leg is recorded before sending so a
// fast response can be correlated.
func (h *Handler) forwardInvite(req *sipmsg.Message, call Call, reg Registration) error {
	branch := newBranch()
	fwd := h.forwardCopy(req, reg.Contact, reg.Transport, branch)
	fwd.Prepend("Record-Route", "<sip:"+h.localAddr+";lr>")

	h.dialogs.setLeg(call.ID, &forwardLeg{
		branch:    branch,
		target:    reg.Contact,
		transport: reg.Transport,
		addr:      reg.Source,
	})
	if err := h.send(reg.Transport, reg.Source, fwd); err != nil {
		return err
	}
	h.logger.Info("invite forwarded",
		"call_id", call.ID,
		"aor", reg.AOR,
		"contact", reg.Contact,
		"transport", reg.Transport,
	)
	return nil
}

// handleResponse relays a callee response back to the caller. Only
// responses to INVITEs this server forwarded are relayed; others are
// absorbed.
func (h *Handler) handleResponse(ctx context.Context, res *sipmsg.Message, in InboundMessage) {
	branch, ok := isOwnBranch(res.Get("Via"))
	if !ok {
		h.logger.Debug("dropping response without our via", "source", in.ReturnAddr)
		return
	}
	callID := res.CallID()
	call, leg, _, ok := h.dialogs.peerInfo(callID)
	if !ok || leg == nil || leg.branch != branch || res.CSeqMethod() != sipmsg.MethodInvite {
		h.logger.Debug("absorbing response",
			"call_id", callID,
			"status", res.StatusCode,
			"cseq_method", res.CSeqMethod(),
		)
		return
	}

	switch {
	case res.StatusCode == 100:
		// Hop-by-hop; the caller already got ours.
		return
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if _, err := h.dialogs.Answer(callID); err != nil {
			h.logger.Warn("failed to record answer", "call_id", callID, "error", err)
		}
	case res.StatusCode >= 300:
		h.ackFailure(res, leg)
		cause := fmt.Sprintf("callee_%d", res.StatusCode)
		if _, err := h.dialogs.Terminate(ctx, callID, cause, true); err != nil {
			h.logger.Warn("failed to end rejected call", "call_id", callID, "error", err)
		}
	}

	relay := res.Clone()
	relay.RemoveFirst("Via")
	if err := h.send(call.Transport, call.Source, relay); err != nil {
		h.logger.Warn("failed to relay response",
			"call_id", callID,
			"status", res.StatusCode,
			"error", err,
		)
	}
}

// ackFailure acknowledges a non-2xx final response on the forwarded leg.
func (h *Handler) ackFailure(res *sipmsg.Message, leg *forwardLeg) {
	ack := &sipmsg.Message{
		Method:  sipmsg.MethodAck,
		Target:  leg.target,
		Version: sipmsg.Version,
	}
	ack.Add("Via", h.via(leg.transport, leg.branch))
	ack.Add("From", res.Get("From"))
	ack.Add("To", res.Get("To"))
	ack.Add("Call-ID", res.CallID())
	ack.Add("CSeq", cseqNumber(res)+" "+sipmsg.MethodAck)
	ack.Add("Max-Forwards", "70")
	ack.Add("Content-Length", "0")
	if err := h.send(leg.transport, leg.addr, ack); err != nil {
		h.logger.Debug("failed to ack rejected leg", "call_id", res.CallID(), "error", err)
	}
}

// handleAck completes the three-way handshake. A Ringing call that has been
// answered becomes Established and, for forwarded calls, the ACK is passed
// to the callee. Other ACKs, such as those for a locally answered
// re-INVITE, are absorbed.
func (h *Handler) handleAck(ctx context.Context, req *sipmsg.Message, in InboundMessage) {
	callID := req.CallID()
	call, leg, _, ok := h.dialogs.peerInfo(callID)
	if !ok {
		h.logger.Debug("ack for unknown call ignored", "call_id", callID)
		return
	}
	if call.State != StateRinging || call.AnswerTime == nil {
		h.logger.Debug("ack absorbed", "call_id", callID, "state", call.State)
		return
	}
	if _, err := h.dialogs.Establish(ctx, callID); err != nil {
		h.logger.Warn("failed to establish call", "call_id", callID, "error", err)
	}
	if leg != nil && fromCaller(call, in) {
		fwd := h.forwardCopy(req, leg.target, leg.transport, newBranch())
		if err := h.send(leg.transport, leg.addr, fwd); err != nil {
			h.logger.Warn("failed to forward ack", "call_id", callID, "error", err)
		}
	}
}

// fromCaller reports whether in arrived from the party that placed call.
func fromCaller(call Call, in InboundMessage) bool {
	return in.Transport == call.Transport && in.ReturnAddr == call.Source
}
