package dialog

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/frizzle-chan/frizzlephone/internal/invitetxn"
	"github.com/frizzle-chan/frizzlephone/internal/portreserve"
	"github.com/frizzle-chan/frizzlephone/internal/rtpsend"
	"github.com/frizzle-chan/frizzlephone/internal/sdpcodec"
	"github.com/frizzle-chan/frizzlephone/internal/sipmsg"
)

func (d *Dispatcher) handleRegister(msg *sipmsg.Message, respAddr *net.UDPAddr) {
	var extra []sipmsg.Header
	// RFC 3261 §10.3 step 8: 200 OK MUST contain Contact headers
	// enumerating current bindings, each with an "expires" parameter.
	if contact, ok := msg.Get("Contact"); ok {
		extra = append(extra, sipmsg.Header{Name: "Contact", Value: contact + ";expires=3600"})
	}
	expires, ok := msg.Get("Expires")
	if !ok {
		expires = "3600"
	}
	extra = append(extra, sipmsg.Header{Name: "Expires", Value: expires})

	resp := d.buildResponse(msg, 200, "OK", sipmsg.GenerateTag(), extra, nil)
	d.send(resp, respAddr)
}

// buildResponse mirrors the reference implementation's build_response:
// it echoes Via/From/To/Call-ID/CSeq from the request, optionally
// inserting a To tag, and appends any extra headers before the body.
func (d *Dispatcher) buildResponse(req *sipmsg.Message, statusCode int, reason, toTag string, extra []sipmsg.Header, body []byte) []byte {
	var headers []sipmsg.Header
	for _, v := range req.GetAll("Via") {
		headers = append(headers, sipmsg.Header{Name: "Via", Value: v})
	}
	if from, ok := req.Get("From"); ok {
		headers = append(headers, sipmsg.Header{Name: "From", Value: from})
	}
	to, _ := req.Get("To")
	if toTag != "" && !strings.Contains(to, "tag=") {
		to = to + ";tag=" + toTag
	}
	headers = append(headers, sipmsg.Header{Name: "To", Value: to})
	if callID, ok := req.Get("Call-ID"); ok {
		headers = append(headers, sipmsg.Header{Name: "Call-ID", Value: callID})
	}
	if cseq, ok := req.Get("CSeq"); ok {
		headers = append(headers, sipmsg.Header{Name: "CSeq", Value: cseq})
	}
	headers = append(headers, extra...)
	return sipmsg.BuildResponse(statusCode, reason, headers, body)
}

// parseInviteParams extracts the dialog identifiers and remote RTP
// address/contact from an INVITE, the analogue of the reference
// implementation's _parse_invite_params.
func parseInviteParams(msg *sipmsg.Message, addr *net.UDPAddr) (callID, fromTag, remoteRTPHost string, remoteRTPPort int, remoteContact, remoteFrom string) {
	callID, _ = msg.Get("Call-ID")
	fromHeader, _ := msg.Get("From")
	if idx := strings.Index(fromHeader, ";tag="); idx >= 0 {
		rest := fromHeader[idx+len(";tag="):]
		fromTag = strings.SplitN(rest, ";", 2)[0]
		remoteFrom = strings.TrimSpace(fromHeader[:idx])
	} else {
		remoteFrom = strings.TrimSpace(fromHeader)
	}

	remoteRTPHost, remoteRTPPort = addr.IP.String(), 0
	if len(msg.Body) > 0 {
		offer := sdpcodec.ParseOffer(msg.Body)
		remoteRTPHost, remoteRTPPort = offer.RemoteAddr, offer.RemotePort
	}

	contactHeader, ok := msg.Get("Contact")
	if !ok {
		contactHeader = fmt.Sprintf("<sip:%s:%d>", addr.IP.String(), addr.Port)
	}
	if lt := strings.Index(contactHeader, "<"); lt >= 0 {
		if gt := strings.Index(contactHeader, ">"); gt > lt {
			remoteContact = contactHeader[lt+1 : gt]
		}
	}
	if remoteContact == "" {
		remoteContact = contactHeader
	}
	return
}

func (d *Dispatcher) handleInvite(msg *sipmsg.Message, addr, respAddr *net.UDPAddr) {
	// RFC 3261 §8.2.2.1: if the Request-URI does not identify an address
	// the UAS is willing to accept requests for, respond 404.
	extension := sipmsg.ExtractExtension(msg.RequestURI)
	audioBuf, ok := d.routes.Lookup(extension)
	if !ok {
		slog.Info("unknown extension, sending 404", "extension", extension)
		d.send(d.buildResponse(msg, 404, "Not Found", sipmsg.GenerateTag(), nil, nil), respAddr)
		return
	}

	callID, fromTag, remoteRTPHost, remoteRTPPort, remoteContact, remoteFrom := parseInviteParams(msg, addr)
	// RFC 3261 §8.2.6.2: UAS MUST add a tag to the To header in responses
	// (except 100 Trying), the same tag for every response in this
	// transaction.
	toTag := sipmsg.GenerateTag()

	if existing, ok := d.calls[callID]; ok {
		d.terminateCall(existing)
	}

	rtpPort, err := portreserve.Reserve(d.serverIP, d.rtpPortMin, d.rtpPortMax, 20)
	if err != nil {
		slog.Warn("failed to reserve RTP port", "error", err)
		d.send(d.buildResponse(msg, 500, "Server Internal Error", sipmsg.GenerateTag(), nil, nil), respAddr)
		return
	}

	call := &Call{
		CallID:        callID,
		FromTag:       fromTag,
		ToTag:         toTag,
		RemoteAddr:    respAddr,
		RemoteContact: remoteContact,
		RemoteFrom:    remoteFrom,
		RemoteRTPHost: remoteRTPHost,
		RemoteRTPPort: remoteRTPPort,
		AudioBuf:      audioBuf,
		RTPPort:       rtpPort,
		InviteRequest: msg,
	}
	d.calls[callID] = call

	// RFC 3261 §17.2.1: send 100 Trying immediately to quench INVITE
	// retransmissions. To tag insertion on 100 is SHOULD NOT.
	d.send(d.buildResponse(msg, 100, "Trying", "", nil, nil), respAddr)

	// RFC 3261 §13.3.1.4: 2xx with SDP answer establishes the session.
	// Contact required per §12.1.1 for in-dialog routing (ACK, BYE).
	ok2xx := d.buildResponse(msg, 200, "OK", toTag, []sipmsg.Header{
		{Name: "Contact", Value: fmt.Sprintf("<sip:frizzle@%s:%d>", d.serverIP, d.sipPort)},
		{Name: "Allow", Value: AllowedMethods},
		{Name: "Content-Type", Value: "application/sdp"},
	}, sdpcodec.BuildAnswer(d.serverIP, rtpPort))

	inviteBranch := sipmsg.ExtractBranch(msg)
	if inviteBranch != "" {
		d.setupInviteTxn(call, ok2xx, respAddr, inviteBranch)
	} else {
		d.send(ok2xx, respAddr)
	}
}

// setupInviteTxn creates the INVITE server transaction and hands it the
// 200 OK to send and retransmit, per RFC 3261 §13.3.1.4.
func (d *Dispatcher) setupInviteTxn(call *Call, response []byte, respAddr *net.UDPAddr, branch string) {
	if old, ok := d.txns[branch]; ok {
		old.Terminate()
	}
	callID := call.CallID
	txn := invitetxn.New(branch, d.conn, invitetxn.DefaultTimers(),
		func() {
			select {
			case d.events <- event{txnTimeoutCallID: callID}:
			default:
			}
		},
		func(b string) {
			select {
			case d.events <- event{txnTerminatedBranch: b}:
			default:
			}
		},
	)
	d.txns[branch] = txn
	call.InviteBranch = branch
	txn.Send2xx(response, respAddr)
}

func (d *Dispatcher) handleAck(msg *sipmsg.Message) {
	// RFC 3261 §13.3.1.4: ACK for a 2xx is a new request with no matching
	// server transaction (§18.2.1); it arrives here as plain dispatch.
	callID, _ := msg.Get("Call-ID")
	call, ok := d.calls[callID]
	if !ok {
		slog.Warn("ACK for unknown call", "callID", callID)
		return
	}

	if call.InviteBranch != "" {
		if txn, ok := d.txns[call.InviteBranch]; ok {
			txn.ReceiveAck()
		}
	}

	if call.sender == nil {
		d.startRTPForCall(call)
	}
}

func (d *Dispatcher) handleBye(msg *sipmsg.Message, respAddr *net.UDPAddr) {
	callID, _ := msg.Get("Call-ID")
	call, ok := d.calls[callID]
	if !ok {
		// RFC 3261 §15.1.2: BYE with no matching dialog SHOULD be rejected.
		d.send(d.buildResponse(msg, 481, "Call/Transaction Does Not Exist", "", nil, nil), respAddr)
		return
	}
	delete(d.calls, callID)
	d.terminateCall(call)
	// RFC 3261 §15.1.2: UAS MUST generate a 2xx response to a valid BYE.
	d.send(d.buildResponse(msg, 200, "OK", call.ToTag, nil, nil), respAddr)
}

func (d *Dispatcher) handleCancel(msg *sipmsg.Message, respAddr *net.UDPAddr) {
	callID, _ := msg.Get("Call-ID")
	call, ok := d.calls[callID]
	if !ok {
		// RFC 3261 §9.2: no matching transaction -> 481.
		d.send(d.buildResponse(msg, 481, "Call/Transaction Does Not Exist", "", nil, nil), respAddr)
		return
	}

	// RFC 3261 §9.2: if a final response has already been sent, CANCEL has
	// no effect on the original request — just acknowledge it.
	if call.InviteBranch != "" {
		if txn, ok := d.txns[call.InviteBranch]; ok && txn.State() != invitetxn.StateProceeding {
			d.send(d.buildResponse(msg, 200, "OK", call.ToTag, nil, nil), respAddr)
			return
		}
	}

	delete(d.calls, callID)
	d.send(d.buildResponse(msg, 200, "OK", call.ToTag, nil, nil), respAddr)

	// RFC 3261 §9.2: UAS SHOULD immediately respond 487 to the pending
	// INVITE, sent before the transaction is terminated.
	if call.InviteRequest != nil {
		terminated := d.buildResponse(call.InviteRequest, 487, "Request Terminated", call.ToTag, nil, nil)
		d.send(terminated, respAddr)
	}
	d.terminateCall(call)
}

func (d *Dispatcher) handleOptions(msg *sipmsg.Message, respAddr *net.UDPAddr) {
	resp := d.buildResponse(msg, 200, "OK", sipmsg.GenerateTag(), []sipmsg.Header{
		{Name: "Allow", Value: AllowedMethods},
	}, nil)
	d.send(resp, respAddr)
}

func (d *Dispatcher) handleStub200(msg *sipmsg.Message, respAddr *net.UDPAddr) {
	d.send(d.buildResponse(msg, 200, "OK", sipmsg.GenerateTag(), nil, nil), respAddr)
}

// terminateCall marks a call terminated, stops its RTP sender (without
// triggering the natural-completion BYE path), and terminates its INVITE
// transaction.
func (d *Dispatcher) terminateCall(call *Call) {
	call.Terminated = true
	if call.sender != nil {
		call.sender.Stop()
	}
	if call.rtpConn != nil {
		call.rtpConn.Close()
	}
	if call.InviteBranch != "" {
		if txn, ok := d.txns[call.InviteBranch]; ok {
			delete(d.txns, call.InviteBranch)
			txn.Terminate()
		}
	}
}

// startRTPForCall opens the RTP socket on the already-reserved port and
// starts the sender, spawning a one-shot forwarder goroutine that posts a
// rtpDone event back onto the dispatcher loop on natural completion only.
func (d *Dispatcher) startRTPForCall(call *Call) {
	conn, err := portreserve.Bind(d.serverIP, call.RTPPort)
	if err != nil {
		slog.Warn("failed to bind RTP socket", "port", call.RTPPort, "error", err)
		return
	}
	remote := &net.UDPAddr{IP: net.ParseIP(call.RemoteRTPHost), Port: call.RemoteRTPPort}
	sender := rtpsend.New(conn, remote, call.AudioBuf)
	call.sender = sender
	call.rtpConn = conn
	sender.Start()

	d.rtpWG.Add(1)
	callID := call.CallID
	go func() {
		defer d.rtpWG.Done()
		<-sender.Done()
		select {
		case d.events <- event{rtpDoneCallID: callID}:
		default:
		}
	}()
}

func (d *Dispatcher) handleRTPDone(callID string) {
	call, ok := d.calls[callID]
	if !ok || call.Terminated {
		return
	}
	d.sendBye(call)
}

func (d *Dispatcher) handleTxnTimeout(callID string) {
	call, ok := d.calls[callID]
	if !ok || call.Terminated {
		return
	}
	d.sendBye(call)
}

// sendBye terminates call and sends it a BYE, the UAC-initiated teardown
// triggered either by the RTP buffer finishing or by Timer H expiring
// without an ACK.
func (d *Dispatcher) sendBye(call *Call) {
	if call.Terminated {
		return
	}
	d.terminateCall(call)
	delete(d.calls, call.CallID)

	byeMsg := sipmsg.BuildRequest("BYE", call.RemoteContact, []sipmsg.Header{
		{Name: "Via", Value: fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s", d.serverIP, d.sipPort, sipmsg.GenerateBranch())},
		// RFC 3261 §12.2.1.1: since we are the UAS that accepted the
		// INVITE, our local tag is the To tag assigned in the 200 OK.
		{Name: "From", Value: fmt.Sprintf("<sip:frizzle@%s>;tag=%s", d.serverIP, call.ToTag)},
		{Name: "To", Value: fmt.Sprintf("%s;tag=%s", call.RemoteFrom, call.FromTag)},
		{Name: "Call-ID", Value: call.CallID},
		{Name: "CSeq", Value: "1 BYE"},
		{Name: "Max-Forwards", Value: "70"},
	}, nil)
	d.send(byeMsg, call.RemoteAddr)
	slog.Info("sent BYE", "callID", call.CallID)
}

// gracefulShutdown sends a BYE to every active call, then tears down any
// remaining transactions and RTP senders. Called once, from Run, when the
// dispatcher's context is canceled.
func (d *Dispatcher) gracefulShutdown() {
	for _, call := range d.calls {
		d.sendBye(call)
	}
	for branch, txn := range d.txns {
		delete(d.txns, branch)
		txn.Terminate()
	}
	d.rtpWG.Wait()
}
