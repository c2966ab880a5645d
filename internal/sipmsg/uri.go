package sipmsg

import "strings"

// AddrSpec returns the URI part of a name-addr or addr-spec header value:
// `"Alice" <sip:alice@host>;tag=1` yields `sip:alice@host`.
func AddrSpec(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end > 0 {
			return value[start+1 : start+end]
		}
	}
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

// URIUser returns the user part of a URI or header value, with scheme,
// host and parameters removed. "sip:1001@pbx.local;transport=udp" yields
// "1001". A URI without '@' yields whatever follows the scheme.
func URIUser(value string) string {
	uri := AddrSpec(value)
	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		if len(uri) >= len(scheme) && strings.EqualFold(uri[:len(scheme)], scheme) {
			uri = uri[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(uri, ";?"); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.LastIndexByte(uri, '@'); i >= 0 {
		uri = uri[:i]
	}
	// Drop a password component.
	if i := strings.IndexByte(uri, ':'); i >= 0 {
		uri = uri[:i]
	}
	return uri
}

// HeaderParam returns a header-level parameter, i.e. one that follows the
// addr-spec (after '>' for name-addr values).
func HeaderParam(value, name string) (string, bool) {
	params := value
	if i := strings.IndexByte(value, '>'); i >= 0 {
		params = value[i+1:]
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		params = value[i:]
	} else {
		return "", false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, name) {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

// WithTag appends ";tag=<tag>" to a From/To value that has no tag yet.
func WithTag(value, tag string) string {
	if _, ok := HeaderParam(value, "tag"); ok {
		return value
	}
	return value + ";tag=" + tag
}
