package sdpcodec

import (
	"strings"
	"testing"
)

func TestBuildAnswerContainsConnection(t *testing.T) {
	body := BuildAnswer("192.168.1.100", 10000)
	s := string(body)
	if !strings.Contains(s, "c=IN IP4 192.168.1.100") {
		t.Fatalf("missing connection line:\n%s", s)
	}
	if !strings.Contains(s, "m=audio 10000 RTP/AVP 0") {
		t.Fatalf("missing media line:\n%s", s)
	}
	if !strings.Contains(s, "a=ptime:20") {
		t.Fatalf("missing ptime attribute:\n%s", s)
	}
}

func TestParseOfferBasic(t *testing.T) {
	offer := ParseOffer([]byte(
		"v=0\r\n" +
			"o=alice 123 456 IN IP4 10.0.0.1\r\n" +
			"s=Session\r\n" +
			"c=IN IP4 10.0.0.1\r\n" +
			"t=0 0\r\n" +
			"m=audio 4000 RTP/AVP 0\r\n" +
			"a=rtpmap:0 PCMU/8000\r\n"))
	if offer.RemotePort != 4000 {
		t.Errorf("RemotePort = %d, want 4000", offer.RemotePort)
	}
	if offer.RemoteAddr != "10.0.0.1" {
		t.Errorf("RemoteAddr = %q, want 10.0.0.1", offer.RemoteAddr)
	}
}

func TestParseOfferMissingMedia(t *testing.T) {
	offer := ParseOffer([]byte("v=0\r\nc=IN IP4 10.0.0.1\r\n"))
	if offer.RemotePort != 0 {
		t.Errorf("RemotePort = %d, want 0", offer.RemotePort)
	}
	if offer.RemoteAddr != "10.0.0.1" {
		t.Errorf("RemoteAddr = %q, want 10.0.0.1", offer.RemoteAddr)
	}
}

func TestParseOfferConnectionWithSubnet(t *testing.T) {
	offer := ParseOffer([]byte("v=0\r\nc=IN IP4 224.2.36.42/127\r\nm=audio 5004 RTP/AVP 0\r\n"))
	if offer.RemoteAddr != "224.2.36.42" {
		t.Errorf("RemoteAddr = %q, want 224.2.36.42", offer.RemoteAddr)
	}
	if offer.RemotePort != 5004 {
		t.Errorf("RemotePort = %d, want 5004", offer.RemotePort)
	}
}

func TestParseOfferMalformedBody(t *testing.T) {
	offer := ParseOffer([]byte("not sdp at all"))
	if offer.RemoteAddr != "0.0.0.0" || offer.RemotePort != 0 {
		t.Errorf("expected defaults for malformed body, got %+v", offer)
	}
}
