// Package sipmsg implements the SIP message codec: parsing datagrams into
// structured requests/responses, building outgoing requests/responses, and
// the small helpers (tag/branch generation, Via parameter parsing, URI
// extension extraction) the dispatcher needs around them.
package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Header is a single SIP header line, kept in an ordered slice (not a map)
// so that parsing and re-serializing a message preserves header order,
// including repeated headers such as Via.
type Header struct {
	Name  string
	Value string
}

// Message is a parsed SIP request or response. For requests, Method and
// RequestURI are set and StatusCode/ReasonPhrase are zero. For responses,
// StatusCode/ReasonPhrase are set and Method/RequestURI are empty.
type Message struct {
	Method       string
	RequestURI   string
	StatusCode   int
	ReasonPhrase string
	Headers      []Header
	Body         []byte
}

// IsRequest reports whether m was parsed from (or built as) a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// compactHeaderNames maps SIP compact header forms to their long form.
// RFC 3261 §7.3.3 — a UAS MUST accept both forms on receipt.
var compactHeaderNames = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"l": "Content-Length",
	"c": "Content-Type",
	"s": "Subject",
}

// canonicalHeaderName normalizes a header name's case and expands compact
// forms, so lookups never depend on how the peer happened to write it.
func canonicalHeaderName(name string) string {
	trimmed := strings.TrimSpace(name)
	if long, ok := compactHeaderNames[strings.ToLower(trimmed)]; ok {
		return long
	}
	switch strings.ToLower(trimmed) {
	case "via":
		return "Via"
	case "from":
		return "From"
	case "to":
		return "To"
	case "call-id":
		return "Call-ID"
	case "cseq":
		return "CSeq"
	case "contact":
		return "Contact"
	case "content-length":
		return "Content-Length"
	case "content-type":
		return "Content-Type"
	case "max-forwards":
		return "Max-Forwards"
	case "allow":
		return "Allow"
	case "user-agent":
		return "User-Agent"
	default:
		return trimmed
	}
}

// Get returns the value of the first header matching name (case-insensitive,
// compact forms accepted), and whether it was found.
func (m *Message) Get(name string) (string, bool) {
	canon := canonicalHeaderName(name)
	for _, h := range m.Headers {
		if canonicalHeaderName(h.Name) == canon {
			return h.Value, true
		}
	}
	return "", false
}

// GetAll returns the values of every header matching name, in the order
// they appeared on the wire. Used for Via, which may repeat.
func (m *Message) GetAll(name string) []string {
	canon := canonicalHeaderName(name)
	var out []string
	for _, h := range m.Headers {
		if canonicalHeaderName(h.Name) == canon {
			out = append(out, h.Value)
		}
	}
	return out
}

// Set replaces the first header matching name with value, or appends it if
// no such header exists.
func (m *Message) Set(name, value string) {
	canon := canonicalHeaderName(name)
	for i, h := range m.Headers {
		if canonicalHeaderName(h.Name) == canon {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Add appends a header without replacing any existing one with the same
// name — used for Via and other repeatable headers.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Parse decodes a raw UDP datagram into a Message. It returns an error for
// datagrams that are not well-formed SIP (missing start line, missing
// CRLFCRLF separator, or a request/status line that does not parse) — the
// caller is expected to log and drop such datagrams rather than propagate
// the error further.
func Parse(raw []byte) (*Message, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		// Tolerate bare-LF framing from non-conforming peers.
		sep = []byte("\n\n")
		idx = bytes.Index(raw, sep)
		if idx < 0 {
			return nil, fmt.Errorf("sipmsg: no header/body separator found")
		}
	}
	head := raw[:idx]
	body := raw[idx+len(sep):]

	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, fmt.Errorf("sipmsg: empty message")
	}

	msg := &Message{}
	if err := parseStartLine(lines[0], msg); err != nil {
		return nil, err
	}

	for _, line := range foldHeaders(lines[1:]) {
		name, value, err := splitHeaderLine(line)
		if err != nil {
			return nil, err
		}
		msg.Headers = append(msg.Headers, Header{Name: name, Value: value})
	}

	if cl, ok := msg.Get("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	}
	msg.Body = body

	return msg, nil
}

func splitLines(b []byte) []string {
	raw := strings.Split(string(b), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimSuffix(l, "\r"))
	}
	return lines
}

// foldHeaders joins continuation lines (leading space or tab, RFC 3261
// §7.3.1) onto the previous header.
func foldHeaders(lines []string) []string {
	var out []string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimSpace(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

func splitHeaderLine(line string) (name, value string, err error) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("sipmsg: malformed header line %q", line)
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), nil
}

func parseStartLine(line string, msg *Message) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return fmt.Errorf("sipmsg: malformed start line %q", line)
	}
	if strings.HasPrefix(parts[0], "SIP/") {
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("sipmsg: malformed status code %q", parts[1])
		}
		msg.StatusCode = code
		msg.ReasonPhrase = parts[2]
		return nil
	}
	msg.Method = parts[0]
	msg.RequestURI = parts[1]
	return nil
}

// encode serializes msg's start line and headers, then appends the body
// with a Content-Length computed from its actual byte length (not rune
// count), overwriting any caller-supplied Content-Length header.
func encode(startLine string, headers []Header, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")

	for _, h := range headers {
		if canonicalHeaderName(h.Name) == "Content-Length" {
			continue
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// BuildRequest serializes a request message.
func BuildRequest(method, requestURI string, headers []Header, body []byte) []byte {
	return encode(fmt.Sprintf("%s %s SIP/2.0", method, requestURI), headers, body)
}

// BuildResponse serializes a response message.
func BuildResponse(statusCode int, reasonPhrase string, headers []Header, body []byte) []byte {
	return encode(fmt.Sprintf("SIP/2.0 %d %s", statusCode, reasonPhrase), headers, body)
}

// randomToken returns a fresh UUIDv4 (itself backed by crypto/rand, never
// math/rand) with its hyphens stripped, trimmed to n hex characters — the
// entropy source for tags and branches throughout this package.
func randomToken(n int) string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n < len(token) {
		return token[:n]
	}
	return token
}

// GenerateTag returns a fresh From/To tag: eight characters of UUID entropy.
func GenerateTag() string {
	return randomToken(8)
}

// GenerateBranch returns a fresh Via branch parameter, including the
// mandatory RFC 3261 §8.1.1.7 magic cookie prefix.
func GenerateBranch() string {
	return "z9hG4bK" + randomToken(16)
}

// ViaParams holds the parsed pieces of a single Via header value that the
// dispatcher cares about for response routing (RFC 3261 §18.2.1, RFC 3581).
type ViaParams struct {
	Protocol string // e.g. "UDP"
	Host     string
	Port     int
	Branch   string
	Received string // already present "received" param, if any
	RPort    string // "rport" param value; "" if bare flag with no value
	HasRPort bool   // whether the rport parameter was present at all
}

// ParseViaParams parses a single Via header value. Returns false if the
// value does not have the "SIP/2.0/<transport> <sent-by>" shape.
func ParseViaParams(viaValue string) (ViaParams, bool) {
	// Example: "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK776asdhds;rport"
	fields := strings.SplitN(viaValue, ";", -1)
	if len(fields) == 0 {
		return ViaParams{}, false
	}
	sentBy := strings.TrimSpace(fields[0])
	protoParts := strings.Fields(sentBy)
	if len(protoParts) != 2 {
		return ViaParams{}, false
	}
	protoSegments := strings.Split(protoParts[0], "/")
	proto := "UDP"
	if len(protoSegments) == 3 {
		proto = protoSegments[2]
	}
	host, portStr := splitHostPort(protoParts[1])
	port := 5060
	if portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	vp := ViaParams{Protocol: proto, Host: host, Port: port}
	for _, param := range fields[1:] {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		kv := strings.SplitN(param, "=", 2)
		key := strings.ToLower(kv[0])
		switch key {
		case "branch":
			if len(kv) == 2 {
				vp.Branch = kv[1]
			}
		case "received":
			if len(kv) == 2 {
				vp.Received = kv[1]
			}
		case "rport":
			vp.HasRPort = true
			if len(kv) == 2 {
				vp.RPort = kv[1]
			}
		}
	}
	return vp, true
}

func splitHostPort(hostport string) (host, port string) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, ""
	}
	return hostport[:idx], hostport[idx+1:]
}

// ExtractBranch returns the branch parameter of msg's topmost Via header,
// or "" if absent.
func ExtractBranch(msg *Message) string {
	vias := msg.GetAll("Via")
	if len(vias) == 0 {
		return ""
	}
	vp, ok := ParseViaParams(vias[0])
	if !ok {
		return ""
	}
	return vp.Branch
}

// ExtractExtension pulls the user part (dialed extension) out of a SIP URI
// of the form "sip:1001@host" or "sip:1001@host:5060;params". It tolerates
// a missing scheme, and falls back to the host when no user part ("@") is
// present.
func ExtractExtension(uri string) string {
	u := uri
	if idx := strings.Index(u, ":"); idx >= 0 && strings.Contains(u[:idx], "sip") {
		u = u[idx+1:]
	}
	at := strings.Index(u, "@")
	if at < 0 {
		host := u
		if semi := strings.Index(host, ";"); semi >= 0 {
			host = host[:semi]
		}
		if colon := strings.Index(host, ":"); colon >= 0 {
			host = host[:colon]
		}
		return host
	}
	user := u[:at]
	if semi := strings.Index(user, ";"); semi >= 0 {
		user = user[:semi]
	}
	return user
}
