package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventSubscriberBuffer = 64
	eventWriteWait        = 10 * time.Second
	eventPingInterval     = 30 * time.Second
)

// checkEventOrigin admits non-browser clients (no Origin header) and
// browsers whose origin is on the CORS list.
func (s *Server) checkEventOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.origins.Allowed(origin)
}

// handleEvents upgrades to a websocket and streams every published event
// as a JSON envelope until the client disconnects or the server closes.
// Frames from the client are read and discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	// Subscribe before the handshake completes so a client that has just
	// connected cannot miss an event.
	ch, unsubscribe := s.events.Subscribe(eventSubscriberBuffer)
	defer unsubscribe()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkEventOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("event stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	s.logger.Debug("event stream opened", "remote_addr", r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(envelope{Data: ev}); err != nil {
				s.logger.Debug("event stream write failed", "error", err, "remote_addr", r.RemoteAddr)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			s.logger.Debug("event stream closed by client", "remote_addr", r.RemoteAddr)
			return
		case <-s.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteWait)) //nolint:errcheck
			return
		}
	}
}
