package tcp

import "time"

// timerSlot names one of the four timer slots a connection arms through
// the host collaborator's one-shot millisecond timer (component G):
// delayed-ACK, a shared retransmit/persist slot (the two are mutually
// exclusive per RFC 9293 Section 3.8.1/3.8.6.1, so one slot suffices),
// keepalive, and the TIME-WAIT 2*MSL quarantine.
type timerSlot uint8

const (
	timerDelayedAck timerSlot = iota
	timerRetransmitOrPersist
	timerKeepalive
	timerTimeWait
	numTimerSlots
)

func (s timerSlot) String() string {
	switch s {
	case timerDelayedAck:
		return "delayed-ack"
	case timerRetransmitOrPersist:
		return "retransmit-or-persist"
	case timerKeepalive:
		return "keepalive"
	case timerTimeWait:
		return "time-wait"
	default:
		return "timer(?)"
	}
}

// rtoPersistMode records which duty the shared retransmit/persist slot is
// presently serving, since both arm the same deadline field but back off
// under different rules.
type rtoPersistMode uint8

const (
	rtoModeIdle rtoPersistMode = iota
	rtoModeRetransmit
	rtoModePersist
)

// Timers tracks the deadlines and backoff state for a single connection's
// four timer slots. It does not itself call into the host; Endpoint reads
// Armed/Deadline to decide what to arm and calls the On* methods when a
// deadline is reached.
type Timers struct {
	armed    [numTimerSlots]bool
	deadline [numTimerSlots]time.Time

	rtoMode         rtoPersistMode
	retransmitCount int
	persistBackoff  time.Duration
	persistMax      time.Duration

	delayedAckMax time.Duration

	keepaliveIdle      time.Duration
	keepaliveInterval  time.Duration
	keepaliveMaxProbes int
	keepaliveProbes    int

	maxRetransmits int
}

// Configure sets the bounds Timers enforces, sourced from Config.
func (t *Timers) Configure(cfg Config) {
	t.maxRetransmits = cfg.MaxRetransmits
	t.persistMax = cfg.RTOMax
	t.delayedAckMax = 500 * time.Millisecond
	t.keepaliveIdle = cfg.KeepaliveIdle
	t.keepaliveInterval = cfg.KeepaliveProbeInterval
	t.keepaliveMaxProbes = cfg.KeepaliveProbeCount
}

// Armed reports whether slot has a live deadline.
func (t *Timers) Armed(slot timerSlot) bool { return t.armed[slot] }

// Deadline returns slot's deadline; only meaningful if Armed(slot).
func (t *Timers) Deadline(slot timerSlot) time.Time { return t.deadline[slot] }

func (t *Timers) arm(slot timerSlot, now time.Time, after time.Duration) {
	t.armed[slot] = true
	t.deadline[slot] = now.Add(after)
}

func (t *Timers) disarm(slot timerSlot) { t.armed[slot] = false }

// ArmDelayedAck starts (or restarts) the delayed-ACK timer, capped at 500
// ms per RFC 9293 Section 3.8.6.3.
func (t *Timers) ArmDelayedAck(now time.Time) { t.arm(timerDelayedAck, now, t.delayedAckMax) }

// DisarmDelayedAck is called once an ACK actually goes out, whether
// forced immediately or by this timer firing.
func (t *Timers) DisarmDelayedAck() { t.disarm(timerDelayedAck) }

// ArmRetransmit (re)starts the shared retransmit/persist slot in
// retransmit mode for rto from now.
func (t *Timers) ArmRetransmit(now time.Time, rto time.Duration) {
	t.rtoMode = rtoModeRetransmit
	t.arm(timerRetransmitOrPersist, now, rto)
}

// DisarmRetransmit is called once SND.UNA reaches SND.NXT (nothing left
// unacknowledged).
func (t *Timers) DisarmRetransmit() {
	if t.rtoMode == rtoModeRetransmit {
		t.disarm(timerRetransmitOrPersist)
		t.rtoMode = rtoModeIdle
	}
	t.retransmitCount = 0
}

// OnRetransmitExpired increments the backoff count and reports whether
// the connection should give up (exceeded MaxRetransmits, RFC 9293
// Section 3.8.3's "give up" case), mapping to ReasonTimedOut.
func (t *Timers) OnRetransmitExpired() (giveUp bool) {
	t.retransmitCount++
	return t.retransmitCount > t.maxRetransmits
}

// ArmPersist (re)starts the shared slot in persist mode, backing off
// exponentially each time it fires without the window opening (RFC 9293
// Section 3.8.6.1).
func (t *Timers) ArmPersist(now time.Time, rtoFloor time.Duration) {
	if t.rtoMode != rtoModePersist {
		t.persistBackoff = rtoFloor
	} else {
		t.persistBackoff *= 2
		if t.persistBackoff > t.persistMax {
			t.persistBackoff = t.persistMax
		}
	}
	t.rtoMode = rtoModePersist
	t.arm(timerRetransmitOrPersist, now, t.persistBackoff)
}

// DisarmPersist is called once the peer advertises a nonzero window.
func (t *Timers) DisarmPersist() {
	if t.rtoMode == rtoModePersist {
		t.disarm(timerRetransmitOrPersist)
		t.rtoMode = rtoModeIdle
	}
	t.persistBackoff = 0
}

// RTOMode reports which duty the shared retransmit/persist slot is
// presently serving, so the output processor knows how to interpret its
// expiry.
func (t *Timers) RTOMode() rtoPersistMode { return t.rtoMode }

// ArmKeepalive (re)starts the keepalive idle timer: fires KeepaliveIdle
// after the connection goes quiet, per RFC 9293 Section 3.8.4.
func (t *Timers) ArmKeepalive(now time.Time) {
	t.arm(timerKeepalive, now, t.keepaliveIdle)
	t.keepaliveProbes = 0
}

// OnKeepaliveExpired reports whether another probe should be sent (true)
// or the connection should be abandoned with ReasonTimedOut (false,
// KeepaliveProbeCount exhausted), and arms the next probe interval.
func (t *Timers) OnKeepaliveExpired(now time.Time) (sendProbe bool) {
	t.keepaliveProbes++
	if t.keepaliveProbes > t.keepaliveMaxProbes {
		t.disarm(timerKeepalive)
		return false
	}
	t.arm(timerKeepalive, now, t.keepaliveInterval)
	return true
}

// ArmTimeWait starts the 2*MSL quarantine timer on entering TIME-WAIT.
func (t *Timers) ArmTimeWait(now time.Time, msl time.Duration) {
	t.arm(timerTimeWait, now, 2*msl)
}

// NextDeadline returns the earliest armed deadline across all slots and
// which slot it belongs to, for the Endpoint to hand to the host's
// arm_timer collaborator call. ok is false if nothing is armed.
func (t *Timers) NextDeadline() (slot timerSlot, at time.Time, ok bool) {
	for s := timerSlot(0); s < numTimerSlots; s++ {
		if !t.armed[s] {
			continue
		}
		if !ok || t.deadline[s].Before(at) {
			slot, at, ok = s, t.deadline[s], true
		}
	}
	return slot, at, ok
}
