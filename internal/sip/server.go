package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/accesspbx/internal/config"
	"github.com/flowpbx/accesspbx/internal/events"
)

// Server owns the shared state and the three transport listeners, all of
// which feed the same Handler.
type Server struct {
	cfg     *config.Config
	handler *Handler
	limiter *SourceLimiter
	udp     *UDPTransport
	tcp     *TCPTransport
	ws      *WSTransport
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewServer creates a signaling server. cdrs receives finished calls and pub
// receives events; features handles conference, queue and voicemail calls
// (nil logs them).
func NewServer(cfg *config.Config, cdrs CDRSink, pub events.Publisher, features FeatureHandler) *Server {
	logger := slog.Default().With("component", "sip")

	var limiter *SourceLimiter
	if cfg.RateLimit > 0 {
		limiter = NewSourceLimiter(cfg.RateLimit, cfg.RateBurst, logger)
	}

	state := NewState(time.Now)
	handler := NewHandler(state, cdrs, pub, HandlerOptions{
		LocalAddr: cfg.AdvertisedAddr(),
		Features:  features,
		Limiter:   limiter,
		Tracer:    NewMessageTracer(logger, ParseTraceVerbosity(cfg.SIPTrace)),
	}, logger)

	return &Server{
		cfg:     cfg,
		handler: handler,
		limiter: limiter,
		logger:  logger,
	}
}

// Handler returns the dispatch path shared by the transports.
func (s *Server) Handler() *Handler { return s.handler }

// Registrar returns the registrar.
func (s *Server) Registrar() *Registrar { return s.handler.registrar }

// Dialogs returns the dialog manager.
func (s *Server) Dialogs() *DialogManager { return s.handler.dialogs }

// Start binds the UDP, TCP and websocket listeners and begins serving.
// A bind failure on any transport is returned and nothing is left running.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udp, err := ListenUDP(s.cfg.SIPAddr(), s.handler, s.logger)
	if err != nil {
		s.cancel()
		return fmt.Errorf("starting udp transport: %w", err)
	}
	tcp, err := ListenTCP(s.cfg.SIPAddr(), s.handler, s.logger)
	if err != nil {
		udp.Close()
		s.cancel()
		return fmt.Errorf("starting tcp transport: %w", err)
	}
	ws, err := ListenWS(s.cfg.WSAddr(), s.handler, s.logger)
	if err != nil {
		udp.Close()
		tcp.Close()
		s.cancel()
		return fmt.Errorf("starting websocket transport: %w", err)
	}
	s.udp, s.tcp, s.ws = udp, tcp, ws

	s.serve(ctx, "udp", udp.Addr(), udp.Serve)
	s.serve(ctx, "tcp", tcp.Addr(), tcp.Serve)
	s.serve(ctx, "websocket", ws.Addr(), ws.Serve)

	if s.cfg.RegistrationSweep > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.registrar.RunExpirySweep(ctx, s.cfg.RegistrationSweep)
		}()
	}
	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.Run(ctx)
		}()
	}

	return nil
}

func (s *Server) serve(ctx context.Context, name string, addr net.Addr, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", name, "addr", addr.String())
		if err := fn(ctx); err != nil {
			s.logger.Error("sip listener stopped", "transport", name, "error", err)
		}
	}()
}

// UDPAddr returns the bound datagram address, or nil before Start.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

// TCPAddr returns the bound stream address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// WSAddr returns the bound websocket address, or nil before Start.
func (s *Server) WSAddr() net.Addr {
	if s.ws == nil {
		return nil
	}
	return s.ws.Addr()
}

// Stop closes all listeners and waits for their goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	if s.udp != nil {
		s.udp.Close()
	}
	if s.tcp != nil {
		s.tcp.Close()
	}
	if s.ws != nil {
		s.ws.Close()
	}
	s.wg.Wait()
	s.logger.Info("sip server stopped")
}
