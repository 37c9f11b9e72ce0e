// Package sdpcodec implements the minimal SDP offer/answer handling this
// server needs: extracting the remote audio port/address from an INVITE's
// offer, and building the fixed PCMU answer this server always sends back.
// It is deliberately not a general-purpose SDP library — unlike the
// builder sessbuilder in the RTP manager this was adapted from, it never
// needs to express more than one audio media section.
package sdpcodec

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Offer holds the pieces of a remote SDP offer the dispatcher cares about.
type Offer struct {
	RemoteAddr string // from the c= line; "0.0.0.0" if absent or unparsable
	RemotePort int    // from the audio m= line; 0 if absent or unparsable
}

// ParseOffer extracts the audio connection address and port from a remote
// SDP offer. It is intentionally tolerant: a missing or malformed c= line
// or audio m= line yields the zero-value default rather than an error,
// since a peer sending an incomplete offer should still get a 200 OK with
// RTP simply aimed at the default (the server will then just never
// receive audio from that leg — out of scope to detect, since this server
// does not consume incoming RTP at all).
func ParseOffer(body []byte) Offer {
	offer := Offer{RemoteAddr: "0.0.0.0", RemotePort: 0}

	var sess sdp.SessionDescription
	if err := sess.Unmarshal(body); err != nil {
		// pion/sdp rejects bodies that lack its mandatory lines (o=, s=), so
		// scan the c= and m=audio lines directly instead.
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "c=IN IP4 "); ok {
				if addr, _, _ := strings.Cut(strings.TrimSpace(rest), "/"); addr != "" {
					offer.RemoteAddr = addr
				}
			} else if rest, ok := strings.CutPrefix(line, "m=audio "); ok {
				if f := strings.Fields(rest); len(f) > 0 {
					if port, err := strconv.Atoi(f[0]); err == nil {
						offer.RemotePort = port
					}
				}
			}
		}
		return offer
	}

	if sess.ConnectionInformation != nil && sess.ConnectionInformation.Address != nil {
		addr := sess.ConnectionInformation.Address.Address
		// Strip a trailing "/ttl" or "/ttl/count" multicast suffix.
		if idx := strings.IndexByte(addr, '/'); idx >= 0 {
			addr = addr[:idx]
		}
		if addr != "" {
			offer.RemoteAddr = addr
		}
	}

	for _, media := range sess.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		offer.RemotePort = media.MediaName.Port.Value
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			addr := media.ConnectionInformation.Address.Address
			if idx := strings.IndexByte(addr, '/'); idx >= 0 {
				addr = addr[:idx]
			}
			if addr != "" {
				offer.RemoteAddr = addr
			}
		}
		break
	}

	return offer
}

// BuildAnswer builds the fixed minimal PCMU/8000 SDP answer this server
// always sends: one audio media section advertising serverPort, with
// serverAddr as the session-level connection address (the media section
// carries no c= line of its own).
func BuildAnswer(serverAddr string, serverPort int) []byte {
	sess := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: serverAddr,
		},
		SessionName: "frizzlephone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: serverAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: serverPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "ptime", Value: "20"},
					{Key: "sendonly"},
				},
			},
		},
	}

	// sess is built entirely from fixed fields plus serverAddr/serverPort,
	// so Marshal cannot fail in practice; its error is discarded and the
	// body returned as is.
	body, _ := sess.Marshal()
	return body
}
