package sip

import (
	"context"
	"errors"

	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

// handleCancel aborts a call that has not been answered yet. The CANCEL
// gets 200 and the pending INVITE gets 487 Request Terminated. Cancelling
// a finished call is a no-op that still succeeds; an answered call cannot
// be cancelled.
func (h *Handler) handleCancel(ctx context.Context, req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	callID := req.CallID()
	_, leg, invite, ok := h.dialogs.peerInfo(callID)
	if !ok {
		if h.dialogs.IsFinished(callID) {
			h.logger.Debug("duplicate cancel for finished call", "call_id", callID)
			return respond(req, 200)
		}
		h.logger.Info("cancel for unknown call", "call_id", callID, "source", in.ReturnAddr)
		return respond(req, 481)
	}

	_, err := h.dialogs.Cancel(ctx, callID)
	switch {
	case errors.Is(err, ErrCallFinished):
		return respond(req, 200)
	case errors.Is(err, ErrUnknownDialog), errors.Is(err, ErrInvalidTransition):
		h.logger.Info("cancel rejected",
			"call_id", callID,
			"error", err,
		)
		return respond(req, 481)
	case err != nil:
		h.logger.Error("failed to cancel call", "call_id", callID, "error", err)
		return respond(req, 500)
	}

	if leg != nil && invite != nil {
		h.cancelLeg(invite, leg)
	}

	out := respond(req, 200)
	if invite != nil {
		out = append(out, sipmsg.NewResponse(invite, 487, sipmsg.ReasonPhrase(487)))
	}
	return out
}

// cancelLeg sends a CANCEL for the forwarded INVITE. It reuses the
// INVITE's branch so the callee can match the transaction.
func (h *Handler) cancelLeg(invite *sipmsg.Message, leg *forwardLeg) {
	c := &sipmsg.Message{
		Method:  sipmsg.MethodCancel,
		Target:  leg.target,
		Version: sipmsg.Version,
	}
	c.Add("Via", h.via(leg.transport, leg.branch))
	c.Add("From", invite.Get("From"))
	c.Add("To", invite.Get("To"))
	c.Add("Call-ID", invite.CallID())
	c.Add("CSeq", cseqNumber(invite)+" "+sipmsg.MethodCancel)
	c.Add("Max-Forwards", "70")
	c.Add("Content-Length", "0")
	if err := h.send(leg.transport, leg.addr, c); err != nil {
		h.logger.Warn("failed to cancel forwarded leg",
			"call_id", invite.CallID(),
			"error", err,
		)
	}
}
