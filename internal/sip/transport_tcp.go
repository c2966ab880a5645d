package sip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
)

// maxStreamMessageSize bounds one framed message on a stream connection.
const maxStreamMessageSize = 64 * 1024

var errFrameTooLarge = fmt.Errorf("message exceeds %d bytes", maxStreamMessageSize)

// readFrame reads one message from a stream: header lines up to the blank
// line, then exactly Content-Length body bytes. Bare CRLF keepalives
// between messages are skipped.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, errFrameTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) && head.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		blank := len(bytes.TrimRight(line, "\r\n")) == 0
		if blank && head.Len() == 0 {
			continue
		}
		head.Write(line)
		if head.Len() > maxStreamMessageSize {
			return nil, errFrameTooLarge
		}
		if blank {
			break
		}
	}

	n, err := frameContentLength(head.Bytes())
	if err != nil {
		return nil, err
	}
	if head.Len()+n > maxStreamMessageSize {
		return nil, errFrameTooLarge
	}
	frame := make([]byte, head.Len()+n)
	copy(frame, head.Bytes())
	if _, err := io.ReadFull(r, frame[head.Len():]); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return frame, nil
}

// frameContentLength finds the Content-Length (or compact "l") header in a
// message head. A missing header means no body.
func frameContentLength(head []byte) (int, error) {
	for _, line := range strings.Split(string(head), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "content-length" && name != "l" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid content-length %q", strings.TrimSpace(value))
		}
		return n, nil
	}
	return 0, nil
}

// streamConn serializes writes to one connection.
type streamConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *streamConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// TCPTransport is the stream listener. Messages are framed by
// Content-Length and responses are written back on the same connection.
type TCPTransport struct {
	ln      net.Listener
	handler *Handler
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*streamConn
	wg    sync.WaitGroup
}

// ListenTCP binds the stream listener.
func ListenTCP(addr string, handler *Handler, logger *slog.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding tcp %s: %w", addr, err)
	}
	t := &TCPTransport{
		ln:      ln,
		handler: handler,
		logger:  logger.With("transport", TransportTCP),
		conns:   make(map[string]*streamConn),
	}
	handler.AttachSender(TransportTCP, t)
	return t, nil
}

// Addr returns the bound address.
func (t *TCPTransport) Addr() net.Addr {
	return t.ln.Addr()
}

// Serve accepts connections until the listener is closed.
func (t *TCPTransport) Serve(ctx context.Context) error {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				t.wg.Wait()
				return nil
			}
			t.logger.Warn("tcp accept failed", "error", err)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(ctx, conn)
		}()
	}
}

func (t *TCPTransport) serveConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	sc := &streamConn{conn: conn}

	t.mu.Lock()
	t.conns[peer] = sc
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, peer)
		t.mu.Unlock()
		conn.Close()
	}()

	t.logger.Debug("tcp connection opened", "peer", peer)
	r := bufio.NewReaderSize(conn, maxStreamMessageSize)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("closing tcp connection", "peer", peer, "error", err)
			} else {
				t.logger.Debug("tcp connection closed", "peer", peer)
			}
			return
		}

		responses := t.handler.HandleInbound(ctx, InboundMessage{
			Payload:    frame,
			Transport:  TransportTCP,
			ReturnAddr: peer,
		})
		for _, res := range responses {
			if err := sc.write(res); err != nil {
				t.logger.Warn("tcp write failed", "peer", peer, "error", err)
				return
			}
		}
	}
}

// Send writes data on the open connection from addr. Outbound connections
// are not dialed; a peer is reachable only while its connection is up.
func (t *TCPTransport) Send(addr string, data []byte) error {
	t.mu.Lock()
	sc, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open tcp connection to %s", addr)
	}
	return sc.write(data)
}

// Close stops accepting and closes every open connection.
func (t *TCPTransport) Close() error {
	err := t.ln.Close()
	t.mu.Lock()
	for _, sc := range t.conns {
		sc.conn.Close()
	}
	t.mu.Unlock()
	return err
}
