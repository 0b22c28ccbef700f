package tcp

import (
	"testing"
	"time"
)

// decodeSent interprets a captured outgoing datagram as a Frame plus its
// sequence-space Segment view, accounting for whatever options it carries.
func decodeSent(raw []byte) (Frame, Segment) {
	frm, err := NewFrame(raw)
	if err != nil {
		panic(err)
	}
	payloadLen := len(raw) - frm.HeaderLength()
	return frm, frm.Segment(payloadLen)
}

// makeIncomingFrame builds the wire bytes for a segment arriving from the
// peer side of tuple (tuple.PeerPort is the incoming frame's source port).
func makeIncomingFrame(tuple FourTuple, seg Segment, payload []byte) (Frame, int) {
	buf := make([]byte, sizeHeaderTCP+len(payload))
	frm, err := NewFrame(buf)
	if err != nil {
		panic(err)
	}
	frm.SetSourcePort(tuple.PeerPort)
	frm.SetDestinationPort(tuple.LocalPort)
	frm.SetSegment(seg, 5)
	copy(buf[sizeHeaderTCP:], payload)
	return frm, len(payload)
}

func deliver(reg *Registry, h fakeHost, tuple FourTuple, seg Segment, payload []byte) {
	frm, n := makeIncomingFrame(tuple, seg, payload)
	HandleIncoming(reg, h, tuple.PeerAddr, tuple.LocalAddr, frm, n, h.Now())
}

// makeIncomingFrameWithOptions is makeIncomingFrame plus a raw options
// block, rounded up to a 4-byte boundary as the data-offset field requires.
func makeIncomingFrameWithOptions(tuple FourTuple, seg Segment, opts []byte, payload []byte) (Frame, int) {
	optsLen := (len(opts) + 3) &^ 3
	buf := make([]byte, sizeHeaderTCP+optsLen+len(payload))
	frm, err := NewFrame(buf)
	if err != nil {
		panic(err)
	}
	frm.SetSourcePort(tuple.PeerPort)
	frm.SetDestinationPort(tuple.LocalPort)
	frm.SetSegment(seg, uint8(5+optsLen/4))
	copy(buf[sizeHeaderTCP:], opts)
	copy(buf[sizeHeaderTCP+optsLen:], payload)
	return frm, len(payload)
}

func deliverWithOptions(reg *Registry, h fakeHost, tuple FourTuple, seg Segment, opts []byte, payload []byte) {
	frm, n := makeIncomingFrameWithOptions(tuple, seg, opts, payload)
	HandleIncoming(reg, h, tuple.PeerAddr, tuple.LocalAddr, frm, n, h.Now())
}

// TestEndToEndActiveOpenHandshake exercises the three-way handshake from
// the active-open side: Connect must transmit a SYN, and a
// peer's SYN|ACK must bring the connection to ESTABLISHED and fire the
// Established callback, answered by a bare ACK.
func TestEndToEndActiveOpenHandshake(t *testing.T) {
	var reg Registry
	h := newFakeHost(time.Unix(1_700_000_000, 0))
	var gotEstablished bool
	cb := Callbacks{Established: func(ep *Endpoint) { gotEstablished = true }}

	ep, err := NewEndpoint(h, &reg, DefaultConfig(), cb, NewISSGenerator([]byte("active-open-secret")))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}

	var peerAddr [16]byte
	peerAddr[15] = 2
	if err := ep.Connect(peerAddr, 80, true /* noFastOpen */); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ep.State() != StateSynSent {
		t.Fatalf("state after Connect = %s, want SYN-SENT", ep.State())
	}

	sent, ok := h.lastSent()
	if !ok {
		t.Fatal("Connect should transmit the initial SYN immediately")
	}
	_, synSeg := decodeSent(sent.payload)
	if !synSeg.Flags.HasAll(FlagSYN) || synSeg.Flags.HasAny(FlagACK) {
		t.Fatalf("first outgoing segment flags = %s, want a bare SYN", synSeg.Flags)
	}
	iss := synSeg.SEQ

	tuple := ep.LocalTuple()
	peerISS := Value(9000)
	h.reset()
	deliver(&reg, h, tuple, Segment{SEQ: peerISS, ACK: Add(iss, 1), Flags: flagSynAck, WND: 4096}, nil)

	if ep.State() != StateEstablished {
		t.Fatalf("state after SYN|ACK = %s, want ESTABLISHED", ep.State())
	}
	if !gotEstablished {
		t.Fatal("Established callback should have fired")
	}
	sent, ok = h.lastSent()
	if !ok {
		t.Fatal("the completed handshake should answer with an ACK")
	}
	_, ackSeg := decodeSent(sent.payload)
	if ackSeg.Flags != FlagACK {
		t.Fatalf("final handshake ACK flags = %s, want a bare ACK", ackSeg.Flags)
	}
	if ackSeg.ACK != Add(peerISS, 1) {
		t.Fatalf("final ACK.ACK = %d, want %d (peer ISS + 1)", ackSeg.ACK, Add(peerISS, 1))
	}
	if ackSeg.SEQ != Add(iss, 1) {
		t.Fatalf("final ACK.SEQ = %d, want %d (our ISS + 1)", ackSeg.SEQ, Add(iss, 1))
	}
}

// TestEndToEndPassiveHandshakeViaListener exercises the passive-open side:
// a Listener accepting a SYN must answer SYN|ACK, and the peer's final ACK
// must bring the accepted Endpoint to ESTABLISHED.
func TestEndToEndPassiveHandshakeViaListener(t *testing.T) {
	var reg Registry
	h := newFakeHost(time.Unix(1_700_000_000, 0))
	var accepted *Endpoint
	var gotEstablished bool

	var localAddr [16]byte
	localAddr[15] = 1
	cfg := DefaultConfig()
	cb := ListenerCallbacks{
		Accept: func(l *Listener, remoteAddr [16]byte, remotePort uint16) (AcceptVerdict, *Endpoint) {
			ep, err := NewEndpoint(h, &reg, cfg, Callbacks{Established: func(ep *Endpoint) { gotEstablished = true }}, NewISSGenerator([]byte("passive-open-secret")))
			if err != nil {
				t.Fatalf("NewEndpoint in Accept: %v", err)
			}
			accepted = ep
			return AcceptNow, ep
		},
	}
	if _, err := Listen(h, &reg, localAddr, 80, cfg, cb, 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var peerAddr [16]byte
	peerAddr[15] = 2
	tuple := FourTuple{LocalAddr: localAddr, LocalPort: 80, PeerAddr: peerAddr, PeerPort: 4000}
	peerISS := Value(5000)
	deliver(&reg, h, tuple, Segment{SEQ: peerISS, Flags: FlagSYN, WND: 4096}, nil)

	if accepted == nil {
		t.Fatal("Accept should have been called with a fresh Endpoint")
	}
	if accepted.State() != StateSynRcvd {
		t.Fatalf("accepted endpoint state = %s, want SYN-RECEIVED", accepted.State())
	}
	sent, ok := h.lastSent()
	if !ok {
		t.Fatal("accepting the SYN should transmit a SYN|ACK")
	}
	_, synAckSeg := decodeSent(sent.payload)
	if synAckSeg.Flags != flagSynAck {
		t.Fatalf("reply flags = %s, want SYN|ACK", synAckSeg.Flags)
	}
	if synAckSeg.ACK != Add(peerISS, 1) {
		t.Fatalf("SYN|ACK.ACK = %d, want %d", synAckSeg.ACK, Add(peerISS, 1))
	}
	iss := synAckSeg.SEQ

	h.reset()
	deliver(&reg, h, tuple, Segment{SEQ: Add(peerISS, 1), ACK: Add(iss, 1), Flags: FlagACK, WND: 4096}, nil)

	if accepted.State() != StateEstablished {
		t.Fatalf("accepted endpoint state after final ACK = %s, want ESTABLISHED", accepted.State())
	}
	if !gotEstablished {
		t.Fatal("Established callback should have fired on the accepted endpoint")
	}
}

// establishedPair builds an active-open Endpoint and drives it through the
// handshake, returning it established alongside the peer's tuple and the
// next Value each side expects to send/receive.
func establishedPair(t *testing.T) (reg *Registry, h fakeHost, ep *Endpoint, tuple FourTuple, ourNext, peerNext Value) {
	t.Helper()
	reg = &Registry{}
	h = newFakeHost(time.Unix(1_700_000_000, 0))
	ep, err := NewEndpoint(h, reg, DefaultConfig(), Callbacks{}, NewISSGenerator([]byte("pair-secret")))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	var peerAddr [16]byte
	peerAddr[15] = 2
	if err := ep.Connect(peerAddr, 80, true); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sent, _ := h.lastSent()
	_, synSeg := decodeSent(sent.payload)
	iss := synSeg.SEQ

	tuple = ep.LocalTuple()
	peerISS := Value(9000)
	h.reset()
	deliver(reg, h, tuple, Segment{SEQ: peerISS, ACK: Add(iss, 1), Flags: flagSynAck, WND: 8192}, nil)
	if ep.State() != StateEstablished {
		t.Fatalf("setup: state = %s, want ESTABLISHED", ep.State())
	}
	return reg, h, ep, tuple, Add(iss, 1), Add(peerISS, 1)
}

// TestEndToEndReassemblesReorderedData exercises ordered reassembly after
// reordering: a later chunk arriving first must not be
// visible to the application until the earlier chunk fills the gap.
func TestEndToEndReassemblesReorderedData(t *testing.T) {
	reg, h, ep, tuple, ourNext, peerNext := establishedPair(t)

	// "EFGH" arrives first, 4 bytes past where the peer's stream position
	// actually is: a gap the first chunk hasn't filled yet.
	h.reset()
	deliver(reg, h, tuple, Segment{SEQ: Add(peerNext, 4), ACK: ourNext, Flags: FlagACK, WND: 4096, DATALEN: 4}, []byte("EFGH"))
	if got := ep.BufferedReceive(); got != 0 {
		t.Fatalf("BufferedReceive after only the trailing chunk arrived = %d, want 0 (nothing contiguous yet)", got)
	}

	// "ABCD" fills the gap; now the whole 8 bytes should be contiguous.
	deliver(reg, h, tuple, Segment{SEQ: peerNext, ACK: ourNext, Flags: FlagACK, WND: 4096, DATALEN: 4}, []byte("ABCD"))
	if got := ep.BufferedReceive(); got != 8 {
		t.Fatalf("BufferedReceive after the gap closed = %d, want 8", got)
	}
	buf := make([]byte, 8)
	n := ep.ReceiveContiguify(buf)
	if n != 8 || string(buf) != "ABCDEFGH" {
		t.Fatalf("reassembled data = %q (n=%d), want \"ABCDEFGH\"", buf[:n], n)
	}
}

// TestEndToEndPassiveAcceptNegotiatesOptions exercises the fix threading a
// SYN's options through Listener into Endpoint.acceptInto: a SYN carrying
// SACK-permitted and a window scale must leave the accepted connection
// with SACK active, not just the active-open side (afterHandshakeAdvance
// already covered that case).
func TestEndToEndPassiveAcceptNegotiatesOptions(t *testing.T) {
	var reg Registry
	h := newFakeHost(time.Unix(1_700_000_000, 0))
	var accepted *Endpoint

	var localAddr [16]byte
	localAddr[15] = 1
	cfg := DefaultConfig()
	cb := ListenerCallbacks{
		Accept: func(l *Listener, remoteAddr [16]byte, remotePort uint16) (AcceptVerdict, *Endpoint) {
			ep, err := NewEndpoint(h, &reg, cfg, Callbacks{}, NewISSGenerator([]byte("opts-secret")))
			if err != nil {
				t.Fatalf("NewEndpoint in Accept: %v", err)
			}
			accepted = ep
			return AcceptNow, ep
		},
	}
	if _, err := Listen(h, &reg, localAddr, 80, cfg, cb, 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var peerAddr [16]byte
	peerAddr[15] = 2
	tuple := FourTuple{LocalAddr: localAddr, LocalPort: 80, PeerAddr: peerAddr, PeerPort: 4000}
	peerISS := Value(5000)

	var opts OptionCodec
	var optBuf [8]byte
	off := 0
	n, err := opts.PutOption(optBuf[off:], OptSACKPermitted)
	if err != nil {
		t.Fatalf("PutOption SACKPermitted: %v", err)
	}
	off += n
	n, err = opts.PutOption(optBuf[off:], OptWindowScale, 4)
	if err != nil {
		t.Fatalf("PutOption WindowScale: %v", err)
	}
	off += n

	deliverWithOptions(&reg, h, tuple, Segment{SEQ: peerISS, Flags: FlagSYN, WND: 4096}, optBuf[:off], nil)

	if accepted == nil {
		t.Fatal("Accept should have been called with a fresh Endpoint")
	}
	if accepted.State() != StateSynRcvd {
		t.Fatalf("accepted endpoint state = %s, want SYN-RECEIVED", accepted.State())
	}
	if !accepted.tcb.SACKNegotiated() {
		t.Fatal("SACK-permitted in the SYN should have been negotiated on accept")
	}
}

// TestEndToEndAbortDrainsSendQueueAndUnregisters exercises the review fix
// wiring Abort into both the send queue's drain and the registry's removal:
// an aborted connection with unacknowledged data queued must hand every
// LinkedBuffer back via SendDone, and its 4-tuple must stop resolving.
func TestEndToEndAbortDrainsSendQueueAndUnregisters(t *testing.T) {
	reg, h, ep, tuple, _, _ := establishedPair(t)

	var doneBufs []*LinkedBuffer
	ep.cb.SendDone = func(e *Endpoint, buf *LinkedBuffer) { doneBufs = append(doneBufs, buf) }

	buf := &LinkedBuffer{Data: []byte("unacked data")}
	if err := ep.SendByReference(buf); err != nil {
		t.Fatalf("SendByReference: %v", err)
	}
	if ep.BufferedSend() == 0 {
		t.Fatal("setup: expected data queued before Abort")
	}

	h.reset()
	ep.Abort()

	if ep.State() != StateClosed {
		t.Fatalf("state after Abort = %s, want CLOSED", ep.State())
	}
	if ep.BufferedSend() != 0 {
		t.Fatalf("BufferedSend after Abort = %d, want 0 (drained)", ep.BufferedSend())
	}
	if len(doneBufs) != 1 || doneBufs[0] != buf {
		t.Fatalf("SendDone callbacks after Abort = %v, want exactly the one queued buffer", doneBufs)
	}
	if _, ok := reg.LookupEndpoint(tuple); ok {
		t.Fatal("endpoint should no longer resolve in the registry after Abort")
	}
	sent, ok := h.lastSent()
	if !ok {
		t.Fatal("Abort on an established connection should send an RST")
	}
	_, rstSeg := decodeSent(sent.payload)
	if !rstSeg.Flags.HasAll(FlagRST) {
		t.Fatalf("Abort's outgoing segment flags = %s, want RST set", rstSeg.Flags)
	}
}

// TestEndToEndDeinitializeIsIdempotentAndUnregisters exercises the review
// fix making Deinitialize perform an implicit abort, unregister, and refuse
// a second call instead of silently doing nothing.
func TestEndToEndDeinitializeIsIdempotentAndUnregisters(t *testing.T) {
	reg, _, ep, tuple, _, _ := establishedPair(t)

	if err := ep.Deinitialize(); err != nil {
		t.Fatalf("Deinitialize: %v", err)
	}
	if ep.State() != StateClosed {
		t.Fatalf("state after Deinitialize = %s, want CLOSED (implicit abort)", ep.State())
	}
	if _, ok := reg.LookupEndpoint(tuple); ok {
		t.Fatal("endpoint should no longer resolve in the registry after Deinitialize")
	}

	err := ep.Deinitialize()
	if err == nil {
		t.Fatal("a second Deinitialize call should fail")
	}
	tcpErr, ok := err.(*Error)
	if !ok || tcpErr.Kind != ErrInvalidState {
		t.Fatalf("second Deinitialize error = %v, want an *Error with Kind ErrInvalidState", err)
	}
}

// TestEndToEndGracefulCloseUnregisters exercises the review fix wiring
// RemoveEndpoint into the CLOSED transition reached via the normal
// close sequence, not just Abort/Deinitialize.
func TestEndToEndGracefulCloseUnregisters(t *testing.T) {
	reg, h, ep, tuple, ourNext, peerNext := establishedPair(t)

	h.reset()
	if err := ep.SendEndOfStream(); err != nil {
		t.Fatalf("SendEndOfStream: %v", err)
	}
	sent, ok := h.lastSent()
	if !ok {
		t.Fatal("SendEndOfStream should transmit a FIN")
	}
	_, finSeg := decodeSent(sent.payload)
	if !finSeg.Flags.HasAll(FlagFIN) {
		t.Fatalf("flags after SendEndOfStream = %s, want FIN set", finSeg.Flags)
	}

	h.reset()
	// peer ACKs our FIN and sends its own, completing the active-close side
	// straight through to TIME-WAIT.
	deliver(reg, h, tuple, Segment{SEQ: peerNext, ACK: Add(ourNext, 1), Flags: FlagACK | FlagFIN, WND: 4096}, nil)
	if ep.State() != StateTimeWait {
		t.Fatalf("state after peer's ACK+FIN = %s, want TIME-WAIT", ep.State())
	}
	if _, ok := reg.LookupEndpoint(tuple); !ok {
		t.Fatal("endpoint should still resolve during TIME-WAIT")
	}

	ep.onTimeWaitExpired()
	if ep.State() != StateClosed {
		t.Fatalf("state after TIME-WAIT expiry = %s, want CLOSED", ep.State())
	}
	if _, ok := reg.LookupEndpoint(tuple); ok {
		t.Fatal("endpoint should no longer resolve in the registry after TIME-WAIT expiry")
	}
}
