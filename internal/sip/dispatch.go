package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sipmsg"
	"github.com/google/uuid"
)

// allowedMethods is advertised in OPTIONS and 501 responses.
const allowedMethods = "REGISTER, INVITE, ACK, BYE, CANCEL, OPTIONS, INFO, MESSAGE, SUBSCRIBE, NOTIFY"

// branchPrefix marks Via branches added by this server. The RFC 3261 magic
// cookie comes first.
const branchPrefix = "z9hG4bK-apbx-"

// InboundMessage is one message received on any transport, tagged with the
// channel and the peer address responses must be written back to.
type InboundMessage struct {
	Payload    []byte
	Transport  TransportKind
	ReturnAddr string
}

// Sender writes an encoded message to a peer reachable on one transport.
type Sender interface {
	Send(addr string, data []byte) error
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// LocalAddr is the host:port placed in Via and Record-Route headers of
	// forwarded requests.
	LocalAddr string
	// Features receives conference, queue and voicemail calls.
	Features FeatureHandler
	// Limiter drops messages from sources exceeding their rate. Nil
	// disables limiting.
	Limiter *SourceLimiter
	// Tracer logs raw messages in both directions. Nil disables tracing.
	Tracer *MessageTracer
}

// Handler is the single dispatch path shared by every transport. It
// decodes a message, applies it to the registrar and call tables and
// returns the encoded responses for the sender.
type Handler struct {
	registrar *Registrar
	dialogs   *DialogManager
	router    *Router
	limiter   *SourceLimiter
	tracer    *MessageTracer
	localAddr string
	events    events.Publisher
	logger    *slog.Logger

	mu      sync.RWMutex
	senders map[TransportKind]Sender
}

// NewHandler wires the registrar, dialog manager and router over state.
func NewHandler(state *State, cdrs CDRSink, pub events.Publisher, opts HandlerOptions, logger *slog.Logger) *Handler {
	registrar := NewRegistrar(state, pub, logger)
	dialogs := NewDialogManager(state, cdrs, pub, logger)
	localAddr := opts.LocalAddr
	if localAddr == "" {
		localAddr = "127.0.0.1:5060"
	}
	return &Handler{
		registrar: registrar,
		dialogs:   dialogs,
		router:    NewRouter(registrar, dialogs, opts.Features, pub, logger),
		limiter:   opts.Limiter,
		tracer:    opts.Tracer,
		localAddr: localAddr,
		events:    pub,
		logger:    logger.With("subsystem", "dispatch"),
		senders:   make(map[TransportKind]Sender),
	}
}

// Registrar returns the registrar view.
func (h *Handler) Registrar() *Registrar { return h.registrar }

// Dialogs returns the dialog manager.
func (h *Handler) Dialogs() *DialogManager { return h.dialogs }

// Router returns the routing engine.
func (h *Handler) Router() *Router { return h.router }

// AttachSender makes a transport available for outbound requests and
// relayed responses.
func (h *Handler) AttachSender(kind TransportKind, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[kind] = s
}

// HandleInbound processes one inbound message and returns the encoded
// responses to write back to in.ReturnAddr on the same transport.
// Malformed and rate-limited messages produce no response.
func (h *Handler) HandleInbound(ctx context.Context, in InboundMessage) [][]byte {
	if h.limiter != nil && !h.limiter.Allow(sourceHost(in.ReturnAddr)) {
		h.logger.Debug("rate limit exceeded, dropping message",
			"source", in.ReturnAddr,
			"transport", in.Transport,
		)
		return nil
	}
	h.tracer.Recv(in.Transport, in.ReturnAddr, in.Payload)

	msg, err := sipmsg.Decode(in.Payload)
	if err != nil {
		h.logger.Debug("dropping malformed message",
			"source", in.ReturnAddr,
			"transport", in.Transport,
			"error", err,
		)
		return nil
	}

	if !msg.IsRequest() {
		h.handleResponse(ctx, msg, in)
		return nil
	}

	responses := h.handleRequest(ctx, msg, in)
	out := make([][]byte, 0, len(responses))
	for _, res := range responses {
		raw := sipmsg.Encode(res)
		h.tracer.Send(in.Transport, in.ReturnAddr, raw)
		out = append(out, raw)
	}
	return out
}

func (h *Handler) handleRequest(ctx context.Context, req *sipmsg.Message, in InboundMessage) []*sipmsg.Message {
	h.logger.Debug("request received",
		"method", req.Method,
		"call_id", req.CallID(),
		"source", in.ReturnAddr,
		"transport", in.Transport,
	)

	switch req.Method {
	case sipmsg.MethodRegister:
		return []*sipmsg.Message{h.registrar.HandleRegister(req, in)}
	case sipmsg.MethodInvite:
		return h.handleInvite(ctx, req, in)
	case sipmsg.MethodAck:
		h.handleAck(ctx, req, in)
		return nil
	case sipmsg.MethodBye:
		return h.handleBye(ctx, req, in)
	case sipmsg.MethodCancel:
		return h.handleCancel(ctx, req, in)
	case sipmsg.MethodOptions:
		return h.handleOptions(req)
	case sipmsg.MethodInfo:
		return h.handleInfo(req, in)
	case sipmsg.MethodMessage:
		return h.handleMessage(req, in)
	case sipmsg.MethodSubscribe:
		return h.handleSubscribe(req)
	case sipmsg.MethodNotify:
		return respond(req, 200)
	}

	h.logger.Info("unsupported method",
		"method", req.Method,
		"source", in.ReturnAddr,
	)
	res := sipmsg.NewResponse(req, 501, sipmsg.ReasonPhrase(501))
	res.Add("Allow", allowedMethods)
	return []*sipmsg.Message{res}
}

// send encodes msg and writes it to addr on the given transport.
func (h *Handler) send(kind TransportKind, addr string, msg *sipmsg.Message) error {
	h.mu.RLock()
	s, ok := h.senders[kind]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no %s transport available", kind)
	}
	raw := sipmsg.Encode(msg)
	h.tracer.Send(kind, addr, raw)
	if err := s.Send(addr, raw); err != nil {
		return fmt.Errorf("sending to %s over %s: %w", addr, kind, err)
	}
	return nil
}

// via returns a Via header value for a request this server sends on kind.
func (h *Handler) via(kind TransportKind, branch string) string {
	return sipmsg.Version + "/" + kind.viaToken() + " " + h.localAddr + ";branch=" + branch
}

// forwardCopy clones req for sending to a next hop: the target is
// rewritten, our Via is pushed and Max-Forwards is decremented.
func (h *Handler) forwardCopy(req *sipmsg.Message, target string, kind TransportKind, branch string) *sipmsg.Message {
	fwd := req.Clone()
	if target != "" {
		fwd.Target = target
	}
	fwd.Del("Route")
	fwd.Prepend("Via", h.via(kind, branch))
	if mf, err := strconv.Atoi(strings.TrimSpace(fwd.Get("Max-Forwards"))); err == nil && mf > 0 {
		fwd.Set("Max-Forwards", strconv.Itoa(mf-1))
	} else if !fwd.Has("Max-Forwards") {
		fwd.Add("Max-Forwards", "70")
	}
	return fwd
}

func newBranch() string {
	return branchPrefix + uuid.NewString()
}

func isOwnBranch(via string) (string, bool) {
	branch, ok := sipmsg.HeaderParam(via, "branch")
	if !ok || !strings.HasPrefix(branch, branchPrefix) {
		return "", false
	}
	return branch, true
}

// respond builds a single response with the default reason phrase.
func respond(req *sipmsg.Message, code int) []*sipmsg.Message {
	return []*sipmsg.Message{sipmsg.NewResponse(req, code, sipmsg.ReasonPhrase(code))}
}

// sourceHost strips the port from a return address.
func sourceHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// cseqNumber returns the sequence number of a CSeq header.
func cseqNumber(msg *sipmsg.Message) string {
	if f := strings.Fields(msg.Get("CSeq")); len(f) > 0 {
		return f[0]
	}
	return "1"
}
