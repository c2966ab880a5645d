package media

import (
	"errors"
	"mime"
	"strconv"
	"strings"
)

// INFO body types that carry a keypress.
const (
	ContentTypeDTMFRelay = "application/dtmf-relay"
	ContentTypeDTMF      = "application/dtmf"
)

// ErrNoKeypress is returned for INFO bodies that do not carry a DTMF digit.
var ErrNoKeypress = errors.New("info body carries no keypress")

// dtmfDigits lists the sixteen DTMF keys in telephone-event code order, so
// digit i is event code i.
const dtmfDigits = "0123456789*#ABCD"

// Keypress is one DTMF digit a party pressed during a call, as reported in
// a mid-call INFO request.
type Keypress struct {
	Digit      string `json:"digit"`
	DurationMs int    `json:"duration_ms"`
	// Format is the content type the keypress was read from.
	Format string `json:"format"`
}

// DecodeKeypress reads the keypress carried in an INFO body. Content type
// parameters are ignored. Bodies of any other type, and bodies without a
// recognizable digit, yield ErrNoKeypress.
//
// An application/dtmf-relay body is a set of key=value lines where Signal
// is required and Duration optional. Some phones send Signal as a
// telephone-event code ("10" for *, "11" for #); both forms are accepted.
// An application/dtmf body is the bare digit.
func DecodeKeypress(contentType string, body []byte) (Keypress, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Keypress{}, ErrNoKeypress
	}

	switch mt {
	case ContentTypeDTMFRelay:
		fields := relayFields(string(body))
		digit, ok := normalizeDigit(fields["signal"])
		if !ok {
			return Keypress{}, ErrNoKeypress
		}
		kp := Keypress{Digit: digit, Format: mt}
		if d, err := strconv.Atoi(fields["duration"]); err == nil && d > 0 {
			kp.DurationMs = d
		}
		return kp, nil

	case ContentTypeDTMF:
		v := strings.TrimSpace(string(body))
		digit, ok := normalizeDigit(v)
		if !ok || len(v) != 1 {
			return Keypress{}, ErrNoKeypress
		}
		return Keypress{Digit: digit, Format: mt}, nil
	}
	return Keypress{}, ErrNoKeypress
}

// relayFields splits a dtmf-relay body into lowercased keys and trimmed
// values. Lines without '=' are skipped.
func relayFields(body string) map[string]string {
	fields := make(map[string]string, 2)
	for _, line := range strings.FieldsFunc(body, func(r rune) bool { return r == '\n' || r == '\r' }) {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return fields
}

// normalizeDigit maps a signal value to its DTMF key.
func normalizeDigit(v string) (string, bool) {
	if len(v) == 1 {
		d := strings.ToUpper(v)
		return d, strings.Contains(dtmfDigits, d)
	}
	if code, err := strconv.Atoi(v); err == nil && code >= 10 && code < len(dtmfDigits) {
		return dtmfDigits[code : code+1], true
	}
	return "", false
}
