package sipmsg

import (
	"strings"

	"github.com/google/uuid"
)

// ServerName is advertised in the Server header of every response.
const ServerName = "accesspbx"

// tagSpace namespaces the To tags derived from Call-IDs.
var tagSpace = uuid.MustParse("5b0f4a7e-8c1d-4f2a-9d6e-3a1c2b7e9f10")

// LocalTag returns the To tag used for every response in the dialog
// identified by callID. It is stable so retransmitted requests get the
// same answer regardless of the transport they arrived on.
func LocalTag(callID string) string {
	id := uuid.NewSHA1(tagSpace, []byte(callID))
	return strings.ReplaceAll(id.String(), "-", "")[:10]
}

// NewResponse builds a response to req, copying the dialog-identifying
// headers. Final and provisional responses other than 100 carry a To tag.
func NewResponse(req *Message, code int, reason string) *Message {
	res := &Message{
		Version:    Version,
		StatusCode: code,
		Reason:     reason,
	}
	for _, via := range req.Values("Via") {
		res.Add("Via", via)
	}
	if from := req.Get("From"); from != "" {
		res.Add("From", from)
	}
	if to := req.Get("To"); to != "" {
		if code > 100 {
			to = WithTag(to, LocalTag(req.CallID()))
		}
		res.Add("To", to)
	}
	if callID := req.CallID(); callID != "" {
		res.Add("Call-ID", callID)
	}
	if cseq := req.Get("CSeq"); cseq != "" {
		res.Add("CSeq", cseq)
	}
	res.Add("Server", ServerName)
	res.Add("Content-Length", "0")
	return res
}

// Reason phrases for the status codes the server emits.
var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	200: "OK",
	202: "Accepted",
	400: "Bad Request",
	404: "Not Found",
	429: "Too Many Requests",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	487: "Request Terminated",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// ReasonPhrase returns the default reason phrase for code.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}
