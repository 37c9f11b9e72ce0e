// Package invitetxn implements the INVITE server transaction state
// machine of RFC 3261 §17.2.1, as revised by RFC 6026 §7.1: Proceeding,
// Accepted, Confirmed and Terminated, driven by Timer G (2xx
// retransmission), Timer H (ACK wait timeout) and Timer I (ACK
// retransmission absorption).
package invitetxn

import (
	"context"
	"net"
	"time"

	"github.com/looplab/fsm"
)

const (
	StateProceeding = "proceeding"
	StateAccepted   = "accepted"
	StateConfirmed  = "confirmed"
	StateTerminated = "terminated"
)

// Timer values, all configurable via Timers so tests can shrink them.
const (
	T1             = 500 * time.Millisecond
	T2             = 4 * time.Second
	T4             = 5 * time.Second
	TimerHDuration = 64 * T1
)

// Timers bundles the configurable durations this transaction uses, so
// tests can replace them with something far shorter than the RFC defaults
// instead of waiting tens of seconds for real timers to fire.
type Timers struct {
	T1             time.Duration
	T2             time.Duration
	T4             time.Duration
	TimerHDuration time.Duration
}

// DefaultTimers returns the RFC 3261/6026 timer defaults.
func DefaultTimers() Timers {
	return Timers{T1: T1, T2: T2, T4: T4, TimerHDuration: TimerHDuration}
}

// Transport is the minimal send capability the transaction needs; it is
// satisfied by a net.PacketConn, and by a fake in tests.
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Txn is one INVITE server transaction, keyed by its branch parameter.
type Txn struct {
	Branch string

	transport Transport
	timers    Timers

	onTimeout    func()
	onTerminated func(branch string)

	machine *fsm.FSM

	response     []byte
	responseAddr net.Addr

	timerG *time.Timer
	timerH *time.Timer
	timerI *time.Timer

	retransmitInterval time.Duration
}

// New constructs a Txn in the Proceeding state. onTimeout is invoked if
// Timer H fires before an ACK arrives (the dispatcher should then tear the
// call down as if a BYE had been received); onTerminated is invoked
// exactly once, when the transaction reaches the Terminated state, so the
// dispatcher can drop it from its transaction table.
func New(branch string, transport Transport, timers Timers, onTimeout func(), onTerminated func(string)) *Txn {
	t := &Txn{
		Branch:       branch,
		transport:    transport,
		timers:       timers,
		onTimeout:    onTimeout,
		onTerminated: onTerminated,
	}
	t.machine = fsm.NewFSM(
		StateProceeding,
		fsm.Events{
			{Name: "accept", Src: []string{StateProceeding}, Dst: StateAccepted},
			{Name: "ack", Src: []string{StateAccepted}, Dst: StateConfirmed},
			{Name: "timer_h", Src: []string{StateAccepted}, Dst: StateTerminated},
			{Name: "timer_i", Src: []string{StateConfirmed}, Dst: StateTerminated},
			{Name: "force_terminate", Src: []string{StateProceeding, StateAccepted, StateConfirmed}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_" + StateAccepted: func(_ context.Context, _ *fsm.Event) { t.armTimerG() },
			"enter_" + StateConfirmed: func(_ context.Context, _ *fsm.Event) {
				t.cancelGAndH()
				t.armTimerI()
			},
			"enter_" + StateTerminated: func(_ context.Context, _ *fsm.Event) {
				t.cancelAllTimers()
				if t.onTerminated != nil {
					t.onTerminated(t.Branch)
				}
			},
		},
	)
	return t
}

// State returns the current FSM state name.
func (t *Txn) State() string {
	return t.machine.Current()
}

// Send2xx sends the 200 OK response immediately and transitions to
// Accepted, arming Timer G for retransmission.
func (t *Txn) Send2xx(response []byte, addr net.Addr) {
	t.response = response
	t.responseAddr = addr
	_, _ = t.transport.WriteTo(response, addr)
	_ = t.machine.Event(context.Background(), "accept")
}

// ReceiveRetransmit resends the cached 200 OK in response to a
// retransmitted INVITE (the peer never saw the first response, or its ACK
// was lost in transit — RFC 3261 requires re-sending the final response,
// not re-running request processing).
func (t *Txn) ReceiveRetransmit() {
	if t.response == nil {
		return
	}
	_, _ = t.transport.WriteTo(t.response, t.responseAddr)
}

// ReceiveAck transitions Accepted -> Confirmed. A second or later ACK
// (retransmitted because the peer never saw our 2xx's ACK-absorbing state)
// is silently absorbed — the FSM simply has no "ack" transition out of
// Confirmed, so the extra event is a no-op.
func (t *Txn) ReceiveAck() {
	_ = t.machine.Event(context.Background(), "ack")
}

// Terminate forces the transaction to Terminated immediately, regardless
// of its current state. Safe to call more than once.
func (t *Txn) Terminate() {
	if t.machine.Current() == StateTerminated {
		return
	}
	_ = t.machine.Event(context.Background(), "force_terminate")
}

func (t *Txn) armTimerG() {
	interval := t.timers.T1
	if interval <= 0 {
		interval = T1
	}
	t.retransmitInterval = interval
	t.timerG = time.AfterFunc(interval, t.fireG)
	t.timerH = time.AfterFunc(t.timerHDuration(), t.fireH)
}

func (t *Txn) timerHDuration() time.Duration {
	if t.timers.TimerHDuration > 0 {
		return t.timers.TimerHDuration
	}
	return TimerHDuration
}

func (t *Txn) fireG() {
	if t.machine.Current() != StateAccepted {
		return
	}
	_, _ = t.transport.WriteTo(t.response, t.responseAddr)

	t2 := t.timers.T2
	if t2 <= 0 {
		t2 = T2
	}
	next := t.retransmitInterval * 2
	if next > t2 {
		next = t2
	}
	t.retransmitInterval = next
	t.timerG = time.AfterFunc(next, t.fireG)
}

func (t *Txn) fireH() {
	if t.machine.Current() != StateAccepted {
		return
	}
	if t.onTimeout != nil {
		t.onTimeout()
	}
	_ = t.machine.Event(context.Background(), "timer_h")
}

func (t *Txn) armTimerI() {
	t4 := t.timers.T4
	if t4 <= 0 {
		t4 = T4
	}
	t.timerI = time.AfterFunc(t4, t.fireI)
}

func (t *Txn) fireI() {
	_ = t.machine.Event(context.Background(), "timer_i")
}

func (t *Txn) cancelGAndH() {
	if t.timerG != nil {
		t.timerG.Stop()
	}
	if t.timerH != nil {
		t.timerH.Stop()
	}
}

func (t *Txn) cancelAllTimers() {
	if t.timerG != nil {
		t.timerG.Stop()
	}
	if t.timerH != nil {
		t.timerH.Stop()
	}
	if t.timerI != nil {
		t.timerI.Stop()
	}
}
