package tcp

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"
)

// issClockPeriod is the virtual clock increment RFC 9293 Appendix A uses to
// derive an ISN that advances even in the absence of new connections,
// chosen so it wraps the 32-bit sequence space roughly every 4.77 hours
// (the classic 4-microsecond BSD tick), ample for MSL-based wraparound
// protection on a constrained mesh node's traffic rates.
const issClockPeriod = 4 * time.Microsecond

// ISSGenerator produces initial sequence numbers per RFC 9293 Appendix A:
// ISN = M + F(localip, localport, remoteip, remoteport, secretkey), where M
// is a virtual clock and F is a cryptographic hash keyed by a secret so an
// off-path attacker cannot predict the next ISN for a given 4-tuple.
//
// A zero ISSGenerator is not ready to use; call NewISSGenerator.
type ISSGenerator struct {
	secret [32]byte
}

// NewISSGenerator derives a generator from secret, which should be
// unpredictable and stable for the process lifetime (e.g. sourced once
// from a hardware RNG at boot). secret is hashed into the keyed state, so
// it may be any length and need not itself be 32 bytes.
func NewISSGenerator(secret []byte) ISSGenerator {
	var g ISSGenerator
	g.secret = blake2b.Sum256(secret)
	return g
}

// Generate returns the ISN for a connection identified by the given
// 4-tuple, at the given instant.
func (g ISSGenerator) Generate(localAddr [16]byte, localPort uint16, remoteAddr [16]byte, remotePort uint16, now time.Time) Value {
	var msg [36]byte
	copy(msg[0:16], localAddr[:])
	binary.BigEndian.PutUint16(msg[16:18], localPort)
	copy(msg[18:34], remoteAddr[:])
	binary.BigEndian.PutUint16(msg[34:36], remotePort)

	h, _ := blake2b.New256(g.secret[:])
	h.Write(msg[:])
	sum := h.Sum(nil)
	f := binary.BigEndian.Uint32(sum)

	m := uint32(now.UnixNano() / int64(issClockPeriod))
	return Value(m + f)
}
