package media

import (
	"reflect"
	"testing"
)

// Typical SDP offer from a SIP phone with audio codecs.
const testSDPOffer = `v=0
o=alice 2890844526 2890844526 IN IP4 192.168.1.100
s=Phone Call
c=IN IP4 192.168.1.100
t=0 0
m=audio 49170 RTP/AVP 0 8 111 101
a=rtpmap:0 PCMU/8000
a=rtpmap:101 telephone-event/8000
m=video 51372 RTP/AVP 99
a=rtpmap:99 H264/90000
`

func TestSummarize(t *testing.T) {
	s := Summarize([]byte(testSDPOffer))

	if s.Version != "0" {
		t.Errorf("version = %q, want 0", s.Version)
	}
	if s.Origin == nil {
		t.Fatal("origin is nil")
	}
	if s.Origin.Username != "alice" {
		t.Errorf("origin username = %q, want %q", s.Origin.Username, "alice")
	}
	if s.Origin.Address != "192.168.1.100" {
		t.Errorf("origin address = %q, want %q", s.Origin.Address, "192.168.1.100")
	}
	if s.SessionName != "Phone Call" {
		t.Errorf("session name = %q, want %q", s.SessionName, "Phone Call")
	}

	wantMedia := []string{"audio 49170 RTP/AVP 0 8 111 101", "video 51372 RTP/AVP 99"}
	if !reflect.DeepEqual(s.Media, wantMedia) {
		t.Errorf("media = %v, want %v", s.Media, wantMedia)
	}
	if got := s.MediaTypes(); !reflect.DeepEqual(got, []string{"audio", "video"}) {
		t.Errorf("media types = %v, want [audio video]", got)
	}
	if s.IsEmpty() {
		t.Error("IsEmpty() = true, want false")
	}
}

func TestSummarize_CRLF(t *testing.T) {
	s := Summarize([]byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nm=audio 4000 RTP/AVP 0\r\n"))
	if s.SessionName != "-" {
		t.Errorf("session name = %q, want -", s.SessionName)
	}
	if s.Origin == nil || s.Origin.String() != "- 1 1 IN IP4 10.0.0.1" {
		t.Errorf("origin = %+v", s.Origin)
	}
	if len(s.Media) != 1 {
		t.Errorf("media count = %d, want 1", len(s.Media))
	}
}

func TestSummarize_EmptyBody(t *testing.T) {
	for _, body := range [][]byte{nil, {}, []byte("\r\n")} {
		s := Summarize(body)
		if !s.IsEmpty() {
			t.Errorf("Summarize(%q) = %+v, want empty", body, s)
		}
	}
}

func TestSummarize_SkipsMalformedLines(t *testing.T) {
	s := Summarize([]byte("hello\nv=0\no=short origin\nx\nm=\n"))
	if s.Version != "0" {
		t.Errorf("version = %q, want 0", s.Version)
	}
	if s.Origin != nil {
		t.Errorf("origin = %+v, want nil for short o= line", s.Origin)
	}
	if len(s.Media) != 0 {
		t.Errorf("media = %v, want none", s.Media)
	}
}
