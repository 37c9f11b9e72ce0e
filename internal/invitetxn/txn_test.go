package invitetxn

import (
	"net"
	"sync"
	"testing"
	"time"
)

type sentPacket struct {
	data []byte
	addr net.Addr
}

// fakeTransport captures WriteTo calls, mirroring the FakeTransport used
// in the Python reference's transaction tests.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, sentPacket{data: cp, addr: addr})
	return len(b), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

var (
	addr     = fakeAddr("10.0.0.1:5060")
	response = []byte("SIP/2.0 200 OK\r\n\r\n")
	branch   = "z9hG4bKtest001"
)

func shortTimers() Timers {
	return Timers{
		T1:             20 * time.Millisecond,
		T2:             80 * time.Millisecond,
		T4:             30 * time.Millisecond,
		TimerHDuration: 200 * time.Millisecond,
	}
}

func TestSend2xxSendsResponseImmediately(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	if transport.count() != 1 {
		t.Fatalf("expected 1 send, got %d", transport.count())
	}
	if txn.State() != StateAccepted {
		t.Fatalf("state = %s, want accepted", txn.State())
	}
	txn.Terminate()
}

func TestTimerGRetransmits(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	time.Sleep(60 * time.Millisecond)
	if transport.count() < 2 {
		t.Fatalf("expected at least 2 sends after Timer G fires, got %d", transport.count())
	}
	txn.Terminate()
}

func TestAckStopsRetransmission(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	txn.ReceiveAck()
	if txn.State() != StateConfirmed {
		t.Fatalf("state = %s, want confirmed", txn.State())
	}
	countAfterAck := transport.count()
	time.Sleep(60 * time.Millisecond)
	if transport.count() != countAfterAck {
		t.Fatalf("retransmission continued after ACK: %d -> %d", countAfterAck, transport.count())
	}
}

func TestTimerHFiresOnTimeout(t *testing.T) {
	transport := &fakeTransport{}
	var timeoutCalled bool
	txn := New(branch, transport, Timers{
		T1: 10 * time.Millisecond, T2: 40 * time.Millisecond, T4: 10 * time.Millisecond,
		TimerHDuration: 30 * time.Millisecond,
	}, func() { timeoutCalled = true }, nil)
	txn.Send2xx(response, addr)
	time.Sleep(80 * time.Millisecond)
	if !timeoutCalled {
		t.Fatal("expected onTimeout to be called")
	}
	if txn.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", txn.State())
	}
}

func TestTimerITerminatesAfterAck(t *testing.T) {
	transport := &fakeTransport{}
	var terminatedBranch string
	txn := New(branch, transport, shortTimers(), nil, func(b string) { terminatedBranch = b })
	txn.Send2xx(response, addr)
	txn.ReceiveAck()
	time.Sleep(60 * time.Millisecond)
	if txn.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", txn.State())
	}
	if terminatedBranch != branch {
		t.Fatalf("onTerminated branch = %q, want %q", terminatedBranch, branch)
	}
}

func TestRetransmittedInviteResendsResponse(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	if transport.count() != 1 {
		t.Fatalf("expected 1 send, got %d", transport.count())
	}
	txn.ReceiveRetransmit()
	if transport.count() != 2 {
		t.Fatalf("expected 2 sends after retransmit, got %d", transport.count())
	}
	txn.Terminate()
}

func TestReceiveAckIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	txn.ReceiveAck()
	if txn.State() != StateConfirmed {
		t.Fatalf("state = %s, want confirmed", txn.State())
	}
	txn.ReceiveAck() // must be absorbed, not panic or change state
	if txn.State() != StateConfirmed {
		t.Fatalf("state changed on repeat ACK: %s", txn.State())
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	txn := New(branch, transport, shortTimers(), nil, nil)
	txn.Send2xx(response, addr)
	txn.Terminate()
	txn.Terminate()
	if txn.State() != StateTerminated {
		t.Fatalf("state = %s, want terminated", txn.State())
	}
}
