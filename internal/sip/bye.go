package sip

import (
	"context"
	"errors"

	"github.com/flowpbx/accesspbx/internal/sipmsg"
)

// handleBye terminates an active call, writes its CDR and passes the BYE
// on to the other party when the call was forwarded.
func (h *Handler) handleBye(ctx context.Context, req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	callID := req.CallID()
	call, leg, _, ok := h.dialogs.peerInfo(callID)
	if !ok {
		if h.dialogs.IsFinished(callID) {
			h.logger.Debug("duplicate bye for finished call", "call_id", callID)
			return respond(req, 200)
		}
		h.logger.Info("bye for unknown call", "call_id", callID, "source", in.ReturnAddr)
		return respond(req, 481)
	}

	_, err := h.dialogs.Terminate(ctx, callID, CauseNormalClearing, false)
	switch {
	case errors.Is(err, ErrCallFinished):
		return respond(req, 200)
	case errors.Is(err, ErrUnknownDialog):
		return respond(req, 481)
	case err != nil:
		h.logger.Error("failed to terminate call", "call_id", callID, "error", err)
		return respond(req, 500)
	}

	if leg != nil {
		kind, addr, target := leg.transport, leg.addr, leg.target
		if !fromCaller(call, in) {
			kind, addr, target = call.Transport, call.Source, ""
		}
		fwd := h.forwardCopy(req, target, kind, newBranch())
		if err := h.send(kind, addr, fwd); err != nil {
			h.logger.Warn("failed to forward bye", "call_id", callID, "error", err)
		}
	}
	return respond(req, 200)
}
