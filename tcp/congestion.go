package tcp

// congestionState implements NewReno congestion control (RFC 5681, RFC
// 6582): slow start below ssthresh, additive-increase congestion avoidance
// above it, and fast retransmit/fast recovery on three duplicate ACKs.
type congestionState struct {
	cwnd      Size
	ssthresh  Size
	dupAcks   int
	recovery  bool
	recoverAt Value // RFC 6582's "recover" point; not set by this code, see onNewAck.
	mss       Size
}

const dupAckThreshold = 3

// initCongestion seeds cwnd at the RFC 5681 Section 3.1 initial window
// (min(4*MSS, max(2*MSS, 4380 bytes)), simplified here to the common
// 2-segment starting point appropriate for a constrained link) and
// ssthresh at an optimistic large value until the first loss.
func (c *congestionState) initCongestion(mss Size) {
	c.mss = mss
	c.cwnd = 2 * mss
	c.ssthresh = 1 << 30
	c.dupAcks = 0
	c.recovery = false
}

// sendWindow returns the congestion window; PendingSegment in ccb.go takes
// the lesser of it and the flow-control bound snd.maxSend().
func (c *congestionState) sendWindow() Size { return c.cwnd }

// onNewAck is called when an ACK advances SND.UNA by ackedBytes. It grows
// cwnd per slow-start or congestion-avoidance rules. During fast recovery
// the first ACK that advances SND.UNA ends it and sets cwnd to ssthresh;
// partial acknowledgments (RFC 6582) are not told apart from full ones.
func (c *congestionState) onNewAck(ackedBytes Size) {
	if c.recovery {
		c.recovery = false
		c.dupAcks = 0
		c.cwnd = c.ssthresh
		return
	}
	c.dupAcks = 0
	if c.cwnd < c.ssthresh {
		// Slow start: one MSS of growth per ACKed segment.
		c.cwnd += min32(ackedBytes, c.mss)
	} else {
		// Congestion avoidance: roughly one MSS per RTT.
		inc := Size(uint32(c.mss) * uint32(ackedBytes) / uint32(max32(c.cwnd, 1)))
		if inc == 0 {
			inc = 1
		}
		c.cwnd += inc
	}
}

// onDuplicateAck is called for each duplicate ACK (same ACK number, no new
// data) received while established. On the third duplicate it triggers
// fast retransmit/fast recovery; reports whether the caller should
// retransmit the segment at SND.UNA now.
func (c *congestionState) onDuplicateAck() (fastRetransmit bool) {
	c.dupAcks++
	if c.dupAcks == dupAckThreshold && !c.recovery {
		c.ssthresh = max32(c.cwnd/2, 2*c.mss)
		c.cwnd = c.ssthresh + Size(dupAckThreshold)*c.mss
		c.recovery = true
		return true
	}
	if c.recovery {
		c.cwnd += c.mss // inflate further for each additional duplicate.
	}
	return false
}

// onRTO handles a retransmission-timeout expiry (RFC 5681 Section 3.1 and
// RFC 6298 Section 5.5): cut ssthresh in half, collapse cwnd to one
// segment, and exit any in-progress fast recovery.
func (c *congestionState) onRTO() {
	c.ssthresh = max32(c.cwnd/2, 2*c.mss)
	c.cwnd = c.mss
	c.dupAcks = 0
	c.recovery = false
}

func min32(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func max32(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
