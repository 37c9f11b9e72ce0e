package sipmsg

import (
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	raw := []byte("INVITE sip:1001@192.0.2.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK776asdhds\r\n" +
		"From: \"Alice\" <sip:alice@192.0.2.1>;tag=1928301774\r\n" +
		"To: <sip:1001@192.0.2.5>\r\n" +
		"Call-ID: a84b4c76e66710@192.0.2.1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n")

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.IsRequest() {
		t.Fatalf("expected request")
	}
	if msg.Method != "INVITE" || msg.RequestURI != "sip:1001@192.0.2.5" {
		t.Fatalf("unexpected start line: %+v", msg)
	}
	if callID, ok := msg.Get("Call-ID"); !ok || callID != "a84b4c76e66710@192.0.2.1" {
		t.Fatalf("unexpected Call-ID: %q, %v", callID, ok)
	}
}

func TestParseHeaderNamesCaseInsensitive(t *testing.T) {
	raw := []byte("OPTIONS sip:1001@192.0.2.5 SIP/2.0\r\n" +
		"via: SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK1\r\n" +
		"CALL-ID: xyz\r\n\r\n")
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := msg.Get("Call-ID"); !ok || v != "xyz" {
		t.Fatalf("case-insensitive lookup failed: %q %v", v, ok)
	}
	if v, ok := msg.Get("Via"); !ok || !strings.Contains(v, "192.0.2.1") {
		t.Fatalf("lowercase via lookup failed: %q %v", v, ok)
	}
}

func TestParseCompactHeaderForms(t *testing.T) {
	raw := []byte("BYE sip:1001@192.0.2.5 SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK1\r\n" +
		"f: <sip:alice@192.0.2.1>;tag=1\r\n" +
		"t: <sip:1001@192.0.2.5>;tag=2\r\n" +
		"i: abc123\r\n" +
		"l: 0\r\n\r\n")
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := msg.Get("Call-ID"); !ok || v != "abc123" {
		t.Fatalf("compact Call-ID not resolved: %q %v", v, ok)
	}
	if v, ok := msg.Get("From"); !ok || !strings.Contains(v, "alice") {
		t.Fatalf("compact From not resolved: %q %v", v, ok)
	}
}

func TestMultiViaOrderPreserved(t *testing.T) {
	raw := []byte("INVITE sip:1001@192.0.2.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.0.2.9:5060;branch=z9hG4bKouter\r\n" +
		"Via: SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bKinner\r\n\r\n")
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	vias := msg.GetAll("Via")
	if len(vias) != 2 {
		t.Fatalf("expected 2 Via headers, got %d", len(vias))
	}
	if !strings.Contains(vias[0], "outer") || !strings.Contains(vias[1], "inner") {
		t.Fatalf("Via order not preserved: %v", vias)
	}
}

func TestContentLengthByteAccurate(t *testing.T) {
	// "café" is 5 bytes in UTF-8 but 4 runes.
	body := []byte("café")
	out := BuildResponse(200, "OK", []Header{
		{Name: "Call-ID", Value: "abc"},
	}, body)
	if !strings.Contains(string(out), "Content-Length: 5\r\n") {
		t.Fatalf("expected byte-accurate content length, got:\n%s", out)
	}
	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if string(reparsed.Body) != "café" {
		t.Fatalf("body round-trip mismatch: %q", reparsed.Body)
	}
}

func TestBuildResponsePreservesFromTag(t *testing.T) {
	headers := []Header{
		{Name: "From", Value: "<sip:alice@192.0.2.1>;tag=1928301774"},
		{Name: "To", Value: "<sip:1001@192.0.2.5>"},
	}
	out := BuildResponse(180, "Ringing", headers, nil)
	if strings.Contains(string(out), "tag=") == false {
		t.Fatalf("expected From tag to survive serialization")
	}
}

func TestParseMalformedDatagramReturnsError(t *testing.T) {
	if _, err := Parse([]byte("not a sip message")); err == nil {
		t.Fatalf("expected error for malformed datagram")
	}
}

func TestGenerateTagUniqueAndBranchPrefixed(t *testing.T) {
	tags := map[string]bool{}
	for i := 0; i < 50; i++ {
		tag := GenerateTag()
		if tags[tag] {
			t.Fatalf("duplicate tag generated: %s", tag)
		}
		tags[tag] = true
	}
	branch := GenerateBranch()
	if !strings.HasPrefix(branch, "z9hG4bK") {
		t.Fatalf("branch missing magic cookie prefix: %s", branch)
	}
}

func TestParseViaParamsRPort(t *testing.T) {
	vp, ok := ParseViaParams("SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK1;rport")
	if !ok {
		t.Fatalf("expected Via to parse")
	}
	if !vp.HasRPort || vp.RPort != "" {
		t.Fatalf("expected bare rport flag, got %+v", vp)
	}
	if vp.Host != "192.0.2.1" || vp.Port != 5060 {
		t.Fatalf("unexpected host/port: %+v", vp)
	}
}

func TestExtractExtension(t *testing.T) {
	cases := map[string]string{
		"sip:1001@192.0.2.5":           "1001",
		"sip:1001@192.0.2.5:5060;x=1":  "1001",
		"1001@192.0.2.5":               "1001",
		"sip:192.0.2.5":                "192.0.2.5",
		"sip:192.0.2.5:5060":           "192.0.2.5",
	}
	for uri, want := range cases {
		if got := ExtractExtension(uri); got != want {
			t.Errorf("ExtractExtension(%q) = %q, want %q", uri, got, want)
		}
	}
}

func TestExtractBranch(t *testing.T) {
	msg := &Message{Headers: []Header{
		{Name: "Via", Value: "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bKabc"},
	}}
	if got := ExtractBranch(msg); got != "z9hG4bKabc" {
		t.Fatalf("ExtractBranch = %q", got)
	}
}
