// Package dialog implements the SIP dispatcher: the single event loop
// that owns the call table, the INVITE transaction table, and the set of
// in-flight RTP senders. Every read and write of that state happens on
// one goroutine, fed by a single event channel — inbound datagrams, RTP
// completions, and transaction timeout/termination callbacks all arrive
// as events rather than as direct calls into shared state, so none of it
// needs a mutex.
package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/frizzle-chan/frizzlephone/internal/invitetxn"
	"github.com/frizzle-chan/frizzlephone/internal/rtpsend"
	"github.com/frizzle-chan/frizzlephone/internal/sipmsg"
)

// AllowedMethods is the Allow header value advertised on 200 OK, OPTIONS,
// and 405 responses.
const AllowedMethods = "INVITE, ACK, BYE, CANCEL, REGISTER, OPTIONS, REFER, SUBSCRIBE, NOTIFY"

// Call is the state kept for one established or in-progress dialog.
type Call struct {
	CallID         string
	FromTag        string
	ToTag          string
	RemoteAddr     *net.UDPAddr // where responses/BYE go (Via-derived or rport-corrected)
	RemoteContact  string       // Contact URI from the INVITE, used as BYE Request-URI
	RemoteFrom     string       // the peer's From URI (without tag), used as BYE To
	RemoteRTPHost  string
	RemoteRTPPort  int
	AudioBuf       []byte
	RTPPort        int
	InviteRequest  *sipmsg.Message
	InviteBranch   string
	Terminated     bool
	sender         *rtpsend.Sender
	rtpConn        net.PacketConn
}

// RouteTable resolves a dialed extension to a raw PCMU audio buffer.
type RouteTable interface {
	Lookup(extension string) ([]byte, bool)
}

type event struct {
	datagram     []byte
	datagramAddr *net.UDPAddr

	rtpDoneCallID string

	txnTimeoutCallID string

	txnTerminatedBranch string
}

// Dispatcher is the single-goroutine SIP UAS core.
type Dispatcher struct {
	conn       net.PacketConn
	serverIP   string
	sipPort    int
	rtpPortMin int
	rtpPortMax int
	routes     RouteTable

	calls map[string]*Call
	txns  map[string]*invitetxn.Txn

	events chan event
	rtpWG  sync.WaitGroup
}

// New constructs a Dispatcher. conn is the bound SIP UDP socket;
// serverIP/sipPort are advertised in Contact and Via headers this server
// generates (BYE, SDP answer).
func New(conn net.PacketConn, serverIP string, sipPort int, rtpPortMin, rtpPortMax int, routes RouteTable) *Dispatcher {
	return &Dispatcher{
		conn:       conn,
		serverIP:   serverIP,
		sipPort:    sipPort,
		rtpPortMin: rtpPortMin,
		rtpPortMax: rtpPortMax,
		routes:     routes,
		calls:      make(map[string]*Call),
		txns:       make(map[string]*invitetxn.Txn),
		events:     make(chan event, 64),
	}
}

// Run reads datagrams off conn and processes them, along with every other
// event this dispatcher receives, until ctx is canceled. On return, every
// active call has already been sent a BYE and every resource released.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.readLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			d.gracefulShutdown()
			return
		case ev := <-d.events:
			d.handleEvent(ev)
		}
	}
}

func (d *Dispatcher) readLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("sip read error", "error", err)
				return
			}
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case d.events <- event{datagram: data, datagramAddr: udpAddr}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleEvent(ev event) {
	switch {
	case ev.datagram != nil:
		d.handleDatagram(ev.datagram, ev.datagramAddr)
	case ev.rtpDoneCallID != "":
		d.handleRTPDone(ev.rtpDoneCallID)
	case ev.txnTimeoutCallID != "":
		d.handleTxnTimeout(ev.txnTimeoutCallID)
	case ev.txnTerminatedBranch != "":
		delete(d.txns, ev.txnTerminatedBranch)
	}
}

func (d *Dispatcher) send(data []byte, addr *net.UDPAddr) {
	_, _ = d.conn.WriteTo(data, addr)
}

// handleDatagram is the direct analogue of the reference server's
// datagram_received: keepalive handling, parsing, Via received/rport
// tagging, response-address computation, Require rejection, retransmitted
// INVITE short-circuiting, and method dispatch.
func (d *Dispatcher) handleDatagram(data []byte, addr *net.UDPAddr) {
	stripped := strings.Trim(string(data), "\r\n ")
	if stripped == "" {
		// RFC 5626 §4.4.1 CRLF keepalive: echo a bare CRLF back.
		d.send([]byte("\r\n"), addr)
		return
	}

	msg, err := sipmsg.Parse(data)
	if err != nil {
		slog.Debug("failed to parse SIP message", "addr", addr, "error", err)
		return
	}
	slog.Info("received request", "method", msg.Method, "addr", addr)

	addViaReceivedParams(msg, addr)
	respAddr := computeResponseAddr(msg, addr)

	if msg.Method != "ACK" && msg.Method != "CANCEL" {
		if require, ok := msg.Get("Require"); ok {
			resp := d.buildResponse(msg, 420, "Bad Extension", "", []sipmsg.Header{
				{Name: "Unsupported", Value: require},
			}, nil)
			d.send(resp, respAddr)
			return
		}
	}

	branch := sipmsg.ExtractBranch(msg)
	if branch != "" && msg.Method == "INVITE" {
		if txn, ok := d.txns[branch]; ok {
			txn.ReceiveRetransmit()
			return
		}
	}

	switch msg.Method {
	case "REGISTER":
		d.handleRegister(msg, respAddr)
	case "INVITE":
		d.handleInvite(msg, addr, respAddr)
	case "ACK":
		d.handleAck(msg)
	case "BYE":
		d.handleBye(msg, respAddr)
	case "CANCEL":
		d.handleCancel(msg, respAddr)
	case "OPTIONS":
		d.handleOptions(msg, respAddr)
	case "REFER", "SUBSCRIBE", "NOTIFY":
		d.handleStub200(msg, respAddr)
	default:
		resp := d.buildResponse(msg, 405, "Method Not Allowed", "", []sipmsg.Header{
			{Name: "Allow", Value: AllowedMethods},
		}, nil)
		d.send(resp, respAddr)
	}
}

// addViaReceivedParams tags the topmost Via with received=<source-ip>,
// and rport=<source-port> if the client asked for rport, per RFC 3261
// §18.2.1 and RFC 3581 §4.
func addViaReceivedParams(msg *sipmsg.Message, addr *net.UDPAddr) {
	for i, h := range msg.Headers {
		if strings.EqualFold(h.Name, "Via") {
			vp, ok := sipmsg.ParseViaParams(h.Value)
			value := h.Value
			if ok && vp.HasRPort {
				parts := strings.Split(value, ";")
				kept := parts[:0]
				for _, p := range parts {
					if !strings.HasPrefix(strings.TrimSpace(p), "rport") {
						kept = append(kept, p)
					}
				}
				value = strings.Join(kept, ";")
			}
			value = fmt.Sprintf("%s;received=%s", value, addr.IP.String())
			if ok && vp.HasRPort {
				value = fmt.Sprintf("%s;rport=%d", value, addr.Port)
			}
			msg.Headers[i].Value = value
			return
		}
	}
}

// computeResponseAddr determines where a response should be sent, per RFC
// 3261 §18.2.2 and RFC 3581 §4: always the observed packet source IP (never
// the Via sent-by host, which may be a private address behind NAT or not an
// address at all) paired with the observed source port if rport was
// requested, else the Via sent-by port, falling back entirely to the packet
// source address if Via is missing or malformed.
func computeResponseAddr(msg *sipmsg.Message, addr *net.UDPAddr) *net.UDPAddr {
	via, ok := msg.Get("Via")
	if !ok {
		return addr
	}
	vp, ok := sipmsg.ParseViaParams(via)
	if !ok {
		return addr
	}
	if vp.HasRPort {
		if vp.RPort == "" {
			return &net.UDPAddr{IP: addr.IP, Port: addr.Port}
		}
		if port := atoiOr(vp.RPort, -1); port >= 0 {
			return &net.UDPAddr{IP: addr.IP, Port: port}
		}
	}
	return &net.UDPAddr{IP: addr.IP, Port: vp.Port}
}

func atoiOr(s string, def int) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if s == "" {
		return def
	}
	return n
}
