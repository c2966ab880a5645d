package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// maxDatagramSize is the largest UDP payload read from the socket.
const maxDatagramSize = 65535

// UDPTransport is the datagram listener. Each datagram is one message and
// responses go back to the datagram's source address.
type UDPTransport struct {
	conn    *net.UDPConn
	handler *Handler
	logger  *slog.Logger
}

// ListenUDP binds the datagram socket.
func ListenUDP(addr string, handler *Handler, logger *slog.Logger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving udp address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding udp %s: %w", addr, err)
	}
	t := &UDPTransport{
		conn:    conn,
		handler: handler,
		logger:  logger.With("transport", TransportUDP),
	}
	handler.AttachSender(TransportUDP, t)
	return t, nil
}

// Addr returns the bound address.
func (t *UDPTransport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// Serve reads datagrams until the socket is closed. Messages are handled
// in arrival order.
func (t *UDPTransport) Serve(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("udp read failed", "error", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		responses := t.handler.HandleInbound(ctx, InboundMessage{
			Payload:    payload,
			Transport:  TransportUDP,
			ReturnAddr: peer.String(),
		})
		for _, res := range responses {
			if _, err := t.conn.WriteToUDP(res, peer); err != nil {
				t.logger.Warn("udp write failed", "peer", peer.String(), "error", err)
			}
		}
	}
}

// Send writes data to addr.
func (t *UDPTransport) Send(addr string, data []byte) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving udp peer %s: %w", addr, err)
	}
	_, err = t.conn.WriteToUDP(data, peer)
	return err
}

// Close closes the socket, ending Serve.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
