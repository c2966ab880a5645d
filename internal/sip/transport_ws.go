package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// wsSubprotocol is the websocket subprotocol for SIP (RFC 7118).
const wsSubprotocol = "sip"

// wsConn serializes writes to one websocket; gorilla allows a single
// concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSTransport is the persistent-socket listener used by browser clients.
// Every websocket message carries exactly one SIP message.
type WSTransport struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	handler  *Handler
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
	wg    sync.WaitGroup
}

// ListenWS binds the websocket listener. Upgrades are accepted on "/" and
// "/ws".
func ListenWS(addr string, handler *Handler, logger *slog.Logger) (*WSTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding websocket %s: %w", addr, err)
	}
	t := &WSTransport{
		ln:      ln,
		handler: handler,
		logger:  logger.With("transport", TransportWS),
		conns:   make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{wsSubprotocol},
			// Browser softphones connect from arbitrary origins on the
			// trusted network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/", t.serveUpgrade)
	r.Get("/ws", t.serveUpgrade)
	t.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	handler.AttachSender(TransportWS, t)
	return t, nil
}

// Addr returns the bound address.
func (t *WSTransport) Addr() net.Addr {
	return t.ln.Addr()
}

// Serve runs the HTTP server until Close is called.
func (t *WSTransport) Serve(ctx context.Context) error {
	t.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	err := t.srv.Serve(t.ln)
	t.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *WSTransport) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	t.wg.Add(1)
	defer t.wg.Done()
	t.serveConn(r.Context(), conn)
}

func (t *WSTransport) serveConn(ctx context.Context, conn *websocket.Conn) {
	peer := conn.RemoteAddr().String()
	wc := &wsConn{conn: conn}

	t.mu.Lock()
	t.conns[peer] = wc
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, peer)
		t.mu.Unlock()
		conn.Close()
	}()

	t.logger.Debug("websocket connection opened", "peer", peer)
	conn.SetReadLimit(maxStreamMessageSize)
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket connection closed", "peer", peer)
			} else {
				t.logger.Warn("closing websocket connection", "peer", peer, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		responses := t.handler.HandleInbound(ctx, InboundMessage{
			Payload:    payload,
			Transport:  TransportWS,
			ReturnAddr: peer,
		})
		for _, res := range responses {
			if err := wc.write(res); err != nil {
				t.logger.Warn("websocket write failed", "peer", peer, "error", err)
				return
			}
		}
	}
}

// Send writes data to the open websocket from addr.
func (t *WSTransport) Send(addr string, data []byte) error {
	t.mu.Lock()
	wc, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open websocket to %s", addr)
	}
	return wc.write(data)
}

// Close stops the HTTP server and closes every websocket.
func (t *WSTransport) Close() error {
	err := t.srv.Close()
	t.mu.Lock()
	for _, wc := range t.conns {
		wc.conn.Close()
	}
	t.mu.Unlock()
	return err
}
