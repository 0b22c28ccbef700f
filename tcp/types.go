package tcp

import (
	"strconv"
)

// Value is a TCP sequence number. Arithmetic on Value wraps modulo 2**32 as
// required by RFC 9293 Section 3.4; comparisons must use the provided
// methods rather than Go's native operators, since a numerically smaller
// Value can represent a sequence number that is logically ahead of a larger
// one once the space has wrapped.
type Value uint32

// Size is a count of octets in sequence space (a window size or a segment
// length). Unlike Value it never wraps in practice (windows are bounded to
// 2**16 before scaling), but it shares Value's underlying width so that
// SEQ+Size arithmetic is a plain Value addition.
type Size uint32

// Add returns v+delta performed modulo 2**32.
func Add(v Value, delta Size) Value { return v + Value(delta) }

// Sizeof returns the number of octets from a (inclusive) up to b (exclusive)
// in sequence space, i.e. b-a performed modulo 2**32. a and b are assumed to
// be within 2**31 of each other, as guaranteed by window-bounded protocols.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan returns true if v is strictly before w in sequence space (v<w
// per RFC 9293's modular arithmetic, i.e. (v-w) has its sign bit set).
func (v Value) LessThan(w Value) bool { return int32(v-w) < 0 }

// LessThanEq returns true if v==w or v is before w in sequence space.
func (v Value) LessThanEq(w Value) bool { return v == w || v.LessThan(w) }

// InWindow returns true if v is within [start, start+win) in sequence space.
// A zero-length window only ever contains start itself.
func (v Value) InWindow(start Value, win Size) bool {
	if win == 0 {
		return v == start
	}
	return Sizeof(start, v) < win
}

// UpdateForward advances *v by n, wrapping modulo 2**32.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }

func (v Value) String() string { return strconv.FormatUint(uint64(v), 10) }

// Flags is the set of TCP control bits (RFC 9293 Section 3.1), stored with
// FIN at bit 0 matching their position in the wire header's low byte.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FIN - sender has no more data.
	FlagSYN                   // SYN - synchronize sequence numbers.
	FlagRST                   // RST - reset the connection.
	FlagPSH                   // PSH - push function.
	FlagACK                   // ACK - acknowledgment field significant.
	FlagURG                   // URG - urgent pointer field significant.
	FlagECE                   // ECE - ECN-Echo.
	FlagCWR                   // CWR - congestion window reduced.
)

const flagMask = 0x00ff

const (
	flagSynAck = FlagSYN | FlagACK
	flagFinAck = FlagFIN | FlagACK
)

// HasAll reports whether every bit in mask is set in flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether one or more bits in mask are set in flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears any bits above the defined control-bit range (ECE/CWR and
// below), discarding the reserved and ECN-nonce bits that share the wire
// header's flags word.
func (flags Flags) Mask() Flags { return flags & flagMask }

func (flags Flags) String() string {
	if flags == 0 {
		return "[]"
	}
	const names = "FIN SYN RST PSH ACK URG ECE CWR "
	b := make([]byte, 0, 24)
	b = append(b, '[')
	first := true
	for i := 0; i < 8; i++ {
		if flags&(1<<i) == 0 {
			continue
		}
		if !first {
			b = append(b, ',')
		}
		first = false
		name := names[i*4 : i*4+3]
		b = append(b, name...)
	}
	b = append(b, ']')
	return string(b)
}

// State enumerates the states of the TCP connection state machine
// (RFC 9293 Section 3.3.2).
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynRcvd:     "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
	StateTimeWait:    "TIME-WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) && stateNames[s] != "" {
		return stateNames[s]
	}
	return "STATE(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished reports whether s precedes ESTABLISHED in the normal
// handshake progression (LISTEN, SYN-SENT, SYN-RECEIVED).
func (s State) IsPreestablished() bool {
	return s == StateListen || s == StateSynSent || s == StateSynRcvd
}

// IsClosed reports whether the connection holds no more live peer state:
// either never opened, or past TIME-WAIT's quarantine.
func (s State) IsClosed() bool { return s == StateClosed }

// RxDataOpen reports whether the application may still receive data:
// false once the peer's FIN has been received (CLOSE-WAIT, CLOSING,
// LAST-ACK, TIME-WAIT) and in CLOSED, whether or not the application has
// read everything before it.
func (s State) RxDataOpen() bool {
	switch s {
	case StateClosed, StateCloseWait, StateLastAck, StateClosing, StateTimeWait:
		return false
	default:
		return true
	}
}

// TxDataOpen reports whether the application may still queue data to send.
func (s State) TxDataOpen() bool {
	switch s {
	case StateClosed, StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
		return false
	default:
		return true
	}
}

// Segment is the sequence-space view of a TCP segment: the fields the
// connection state machine needs, independent of wire encoding.
type Segment struct {
	SEQ     Value // sequence number of the first octet (or the ISN if SYN set).
	ACK     Value // acknowledgment number, meaningful only if ACK flag set.
	DATALEN Size  // payload length, excluding SYN/FIN.
	WND     Size  // advertised window.
	Flags   Flags
}

// LEN returns the length of the segment in sequence-space octets, i.e.
// DATALEN plus one each for SYN and FIN if present.
func (seg *Segment) LEN() Size {
	n := seg.DATALEN
	if seg.Flags.HasAny(FlagSYN) {
		n++
	}
	if seg.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the last octet occupied by seg.
func (seg *Segment) Last() Value {
	n := seg.LEN()
	if n == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, n-1)
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0
}
