package sipmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is the sentinel wrapped by every decoding failure.
var ErrParse = errors.New("malformed sip message")

// ParseError describes why a raw message could not be decoded.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parsing sip message: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

func parseErr(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Decode parses raw text into a Message. Line endings may be CRLF or LF.
// Header names are matched case-insensitively later; their spelling and the
// order of header lines are preserved.
func Decode(data []byte) (*Message, error) {
	// Leading CRLFs are keepalives on stream transports.
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, parseErr("empty message")
	}

	head, body := splitHead(data)
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")

	m := &Message{}
	if err := parseStartLine(m, lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(m.Headers) == 0 {
				return nil, parseErr("header continuation without a header")
			}
			last := &m.Headers[len(m.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, parseErr("header line without colon: %q", line)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, parseErr("empty header name")
		}
		m.Headers = append(m.Headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}

	if cl := m.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, parseErr("invalid content-length %q", cl)
		}
		if n > len(body) {
			return nil, parseErr("content-length %d exceeds body of %d bytes", n, len(body))
		}
		body = body[:n]
	}
	if len(body) > 0 {
		m.Body = append([]byte(nil), body...)
	}
	return m, nil
}

// splitHead separates the header block from the body at the first blank line.
func splitHead(data []byte) (head, body []byte) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return data[:crlf], data[crlf+4:]
	case lf >= 0:
		return data[:lf], data[lf+2:]
	default:
		return data, nil
	}
}

func parseStartLine(m *Message, line string) error {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "SIP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 || strings.TrimSpace(parts[2]) == "" {
			return parseErr("status line needs version, code and reason: %q", line)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 699 {
			return parseErr("invalid status code %q", parts[1])
		}
		m.Version = parts[0]
		m.StatusCode = code
		m.Reason = strings.TrimSpace(parts[2])
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return parseErr("request line needs method, target and version: %q", line)
	}
	if !strings.HasPrefix(parts[2], "SIP/") {
		return parseErr("unknown protocol version %q", parts[2])
	}
	m.Method = strings.ToUpper(parts[0])
	m.Target = parts[1]
	m.Version = parts[2]
	return nil
}
