package media

import (
	"strings"
)

// SDP field type prefixes per RFC 4566. Only the descriptive lines are read;
// offer/answer negotiation is left to the media engine.
const (
	sdpVersion = "v="
	sdpOrigin  = "o="
	sdpSession = "s="
	sdpMedia   = "m="
)

// Origin holds SDP origin data from an o= line.
// Format: o=<username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
type Origin struct {
	Username       string `json:"username"`
	SessionID      string `json:"session_id"`
	SessionVersion string `json:"session_version"`
	NetType        string `json:"net_type"`
	AddrType       string `json:"addr_type"`
	Address        string `json:"address"`
}

// String returns the SDP o= line value (without the "o=" prefix).
func (o Origin) String() string {
	return strings.Join([]string{o.Username, o.SessionID, o.SessionVersion,
		o.NetType, o.AddrType, o.Address}, " ")
}

// Summary is the descriptive subset of a session description carried with
// each call: version, origin, session name and the raw m= line values.
type Summary struct {
	Version     string   `json:"version,omitempty"`
	Origin      *Origin  `json:"origin,omitempty"`
	SessionName string   `json:"session_name,omitempty"`
	Media       []string `json:"media,omitempty"`
}

// IsEmpty reports whether no descriptive line was found.
func (s Summary) IsEmpty() bool {
	return s.Version == "" && s.Origin == nil && s.SessionName == "" && len(s.Media) == 0
}

// MediaTypes returns the media type of every m= line, e.g. ["audio", "video"].
func (s Summary) MediaTypes() []string {
	types := make([]string, 0, len(s.Media))
	for _, m := range s.Media {
		if f := strings.Fields(m); len(f) > 0 {
			types = append(types, f[0])
		}
	}
	return types
}

// Summarize extracts the descriptive lines from an SDP body. It never fails:
// an empty or unrecognised body yields an empty Summary and malformed lines
// are skipped.
func Summarize(body []byte) Summary {
	var s Summary
	if len(body) == 0 {
		return s
	}

	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := strings.TrimSpace(line[2:])

		switch {
		case strings.HasPrefix(line, sdpVersion):
			s.Version = value
		case strings.HasPrefix(line, sdpOrigin):
			if o, ok := parseOrigin(value); ok {
				s.Origin = &o
			}
		case strings.HasPrefix(line, sdpSession):
			s.SessionName = value
		case strings.HasPrefix(line, sdpMedia):
			if value != "" {
				s.Media = append(s.Media, value)
			}
		}
	}
	return s
}

// parseOrigin parses an origin value:
// <username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
func parseOrigin(value string) (Origin, bool) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, false
	}
	return Origin{
		Username:       parts[0],
		SessionID:      parts[1],
		SessionVersion: parts[2],
		NetType:        parts[3],
		AddrType:       parts[4],
		Address:        parts[5],
	}, true
}
