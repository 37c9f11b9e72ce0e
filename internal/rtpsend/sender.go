// Package rtpsend implements the paced, one-way RTP sender: it plays a
// pre-rendered PCMU buffer out over a UDP socket at the codec's native
// frame rate, 20ms of audio per packet, without drifting over the life of
// a long call.
package rtpsend

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/pion/rtp"
)

// PCMU codec constants (RFC 3551): 8kHz, 20ms frames, 160 bytes/frame.
const (
	PayloadTypePCMU  = uint8(0)
	SampleRate       = 8000
	FrameDuration    = 20 * time.Millisecond
	BytesPerFrame    = 160 // SampleRate * FrameDuration / time.Second
	TimestampPerStep = uint32(BytesPerFrame)
)

// Sender paces a PCMU audio buffer out to a remote RTP endpoint, 160 bytes
// every 20ms, and reports natural completion distinctly from a forced stop.
//
// The two are different signals on purpose: natural completion (the
// buffer ran out) means the dispatcher should tear the call down with a
// UAC-initiated BYE; a forced Stop (the call was already torn down some
// other way — a BYE from the far end, a CANCEL, Timer H) must NOT also
// trigger that BYE, or the dispatcher would send one to a call that no
// longer exists.
type Sender struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	buf        []byte

	ssrc      uint32
	seq       uint16
	timestamp uint32

	stop chan struct{}
	done chan struct{} // closed only on natural completion
}

// New constructs a Sender. The audio buffer is consumed 160 bytes at a
// time; a trailing fragment shorter than 160 bytes is dropped rather than
// sent as a short, malformed frame.
func New(conn net.PacketConn, remoteAddr net.Addr, buf []byte) *Sender {
	return &Sender{
		conn:       conn,
		remoteAddr: remoteAddr,
		buf:        buf,
		ssrc:       randomUint32(),
		seq:        randomUint16(),
		timestamp:  randomUint32(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Done returns a channel that is closed exactly once, only when the audio
// buffer has been fully sent. It is never closed by Stop.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Start runs the send loop on its own goroutine and returns immediately.
func (s *Sender) Start() {
	go s.run()
}

// Stop halts the send loop before the buffer is exhausted. It is safe to
// call multiple times and safe to call after the buffer has already been
// exhausted naturally (a no-op in that case). It never causes Done's
// channel to close.
func (s *Sender) Stop() {
	select {
	case <-s.stop:
		// already stopped
	default:
		close(s.stop)
	}
}

func (s *Sender) run() {
	frames := len(s.buf) / BytesPerFrame
	if frames == 0 {
		close(s.done)
		return
	}

	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for n := 0; n < frames; n++ {
		deadline := start.Add(time.Duration(n) * FrameDuration)
		wait := time.Until(deadline)
		if wait > 0 {
			// Reset discards any value left from an earlier expiry (Go 1.23+
			// timer semantics), so no Stop/drain is needed first.
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-s.stop:
				return
			}
		} else {
			// We're already past this frame's deadline: send immediately
			// without sleeping, and never reset the schedule to "now" — the
			// next frame's deadline is still start + (n+1)*20ms, so a
			// single slow iteration does not compound into permanent drift.
			select {
			case <-s.stop:
				return
			default:
			}
		}

		frame := s.buf[n*BytesPerFrame : (n+1)*BytesPerFrame]
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         n == 0,
				PayloadType:    PayloadTypePCMU,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err == nil {
			_, _ = s.conn.WriteTo(data, s.remoteAddr)
		}

		s.seq++
		s.timestamp += TimestampPerStep
	}

	close(s.done)
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}
