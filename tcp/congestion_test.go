package tcp

import "testing"

func TestCongestionSlowStartGrowsByMSSPerAck(t *testing.T) {
	var c congestionState
	c.initCongestion(1000)
	if c.sendWindow() != 2000 {
		t.Fatalf("initial cwnd = %d, want 2000 (2*MSS)", c.sendWindow())
	}
	c.onNewAck(1000)
	if got := c.sendWindow(); got != 3000 {
		t.Fatalf("cwnd after one MSS acked in slow start = %d, want 3000", got)
	}
}

func TestCongestionFastRetransmitOnThirdDupAck(t *testing.T) {
	var c congestionState
	c.initCongestion(1000)
	c.cwnd = 10000 // pretend we're well past slow start

	if c.onDuplicateAck() {
		t.Fatal("first duplicate ACK should not trigger fast retransmit")
	}
	if c.onDuplicateAck() {
		t.Fatal("second duplicate ACK should not trigger fast retransmit")
	}
	if !c.onDuplicateAck() {
		t.Fatal("third duplicate ACK should trigger fast retransmit")
	}
	if !c.recovery {
		t.Fatal("fast retransmit should enter fast recovery")
	}
	if c.ssthresh != 5000 {
		t.Fatalf("ssthresh after loss = %d, want 5000 (half of 10000)", c.ssthresh)
	}
}

func TestCongestionFullAckEndsRecovery(t *testing.T) {
	var c congestionState
	c.initCongestion(1000)
	c.cwnd = 10000
	c.onDuplicateAck()
	c.onDuplicateAck()
	c.onDuplicateAck()
	if !c.recovery {
		t.Fatal("expected fast recovery to be entered")
	}
	c.onNewAck(1000) // a new ACK now means the retransmit was accepted
	if c.recovery {
		t.Fatal("a new ACK covering the retransmitted segment should end fast recovery")
	}
	if c.cwnd != c.ssthresh {
		t.Fatalf("cwnd after recovery = %d, want ssthresh (%d)", c.cwnd, c.ssthresh)
	}
}

func TestCongestionRTOCollapsesWindow(t *testing.T) {
	var c congestionState
	c.initCongestion(1000)
	c.cwnd = 10000
	c.onRTO()
	if c.cwnd != c.mss {
		t.Fatalf("cwnd after RTO = %d, want exactly one MSS (%d)", c.cwnd, c.mss)
	}
	if c.recovery {
		t.Fatal("onRTO should clear any in-progress fast recovery")
	}
}
