// Package sipmsg implements the text wire format used by every transport:
// a start line, "Name: value" header lines, a blank line and an optional body.
package sipmsg

import (
	"bytes"
	"strconv"
	"strings"
)

// Version is the protocol version written on every start line we produce.
const Version = "SIP/2.0"

// Method names handled by the server.
const (
	MethodRegister  = "REGISTER"
	MethodInvite    = "INVITE"
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodOptions   = "OPTIONS"
	MethodInfo      = "INFO"
	MethodMessage   = "MESSAGE"
	MethodNotify    = "NOTIFY"
	MethodSubscribe = "SUBSCRIBE"
)

// compactForms maps single-letter header names to their long form.
var compactForms = map[string]string{
	"i": "call-id",
	"f": "from",
	"t": "to",
	"m": "contact",
	"v": "via",
	"l": "content-length",
	"c": "content-type",
	"s": "subject",
	"k": "supported",
	"e": "content-encoding",
	"o": "event",
	"u": "allow-events",
}

// normalizeName returns the lower-case long form of a header name.
func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactForms[n]; ok {
		return long
	}
	return n
}

// Header is a single header line. Name keeps the spelling seen on the wire.
type Header struct {
	Name  string
	Value string
}

// Message is a decoded request or response. Requests have a non-empty
// Method; responses have a non-zero StatusCode.
type Message struct {
	Method     string
	Target     string
	Version    string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// Get returns the first value of the named header. Lookups are
// case-insensitive and understand compact header names.
func (m *Message) Get(name string) string {
	want := normalizeName(name)
	for _, h := range m.Headers {
		if normalizeName(h.Name) == want {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the named header is present.
func (m *Message) Has(name string) bool {
	want := normalizeName(name)
	for _, h := range m.Headers {
		if normalizeName(h.Name) == want {
			return true
		}
	}
	return false
}

// Values returns every value of the named header in wire order.
func (m *Message) Values(name string) []string {
	want := normalizeName(name)
	var vals []string
	for _, h := range m.Headers {
		if normalizeName(h.Name) == want {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Add appends a header line.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Prepend inserts a header line before all others.
func (m *Message) Prepend(name, value string) {
	m.Headers = append([]Header{{Name: name, Value: value}}, m.Headers...)
}

// Set replaces every occurrence of the named header with a single value.
// The header keeps the position of its first occurrence.
func (m *Message) Set(name, value string) {
	want := normalizeName(name)
	out := m.Headers[:0]
	replaced := false
	for _, h := range m.Headers {
		if normalizeName(h.Name) != want {
			out = append(out, h)
			continue
		}
		if !replaced {
			out = append(out, Header{Name: name, Value: value})
			replaced = true
		}
	}
	m.Headers = out
	if !replaced {
		m.Add(name, value)
	}
}

// Del removes every occurrence of the named header.
func (m *Message) Del(name string) {
	want := normalizeName(name)
	out := m.Headers[:0]
	for _, h := range m.Headers {
		if normalizeName(h.Name) != want {
			out = append(out, h)
		}
	}
	m.Headers = out
}

// RemoveFirst removes only the first occurrence of the named header.
func (m *Message) RemoveFirst(name string) {
	want := normalizeName(name)
	for i, h := range m.Headers {
		if normalizeName(h.Name) == want {
			m.Headers = append(m.Headers[:i], m.Headers[i+1:]...)
			return
		}
	}
}

// CallID returns the call identifier header value.
func (m *Message) CallID() string {
	return m.Get("Call-ID")
}

// CSeqMethod returns the method named in the CSeq header.
func (m *Message) CSeqMethod() string {
	cseq := strings.Fields(m.Get("CSeq"))
	if len(cseq) < 2 {
		return ""
	}
	return strings.ToUpper(cseq[1])
}

// SetBody attaches a body and keeps Content-Type and Content-Length in sync.
func (m *Message) SetBody(contentType string, body []byte) {
	if len(body) == 0 {
		m.Body = nil
		m.Del("Content-Type")
	} else {
		m.Body = body
		m.Set("Content-Type", contentType)
	}
	m.Set("Content-Length", strconv.Itoa(len(body)))
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = append([]Header(nil), m.Headers...)
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// StartLine renders the first line of the message.
func (m *Message) StartLine() string {
	version := m.Version
	if version == "" {
		version = Version
	}
	if m.IsRequest() {
		return m.Method + " " + m.Target + " " + version
	}
	return version + " " + strconv.Itoa(m.StatusCode) + " " + m.Reason
}

// Encode serializes m: start line, header lines, blank line, body.
func Encode(m *Message) []byte {
	var buf bytes.Buffer
	buf.Grow(256 + len(m.Body))
	buf.WriteString(m.StartLine())
	buf.WriteString("\r\n")
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// String returns the wire form of m.
func (m *Message) String() string {
	return string(Encode(m))
}
