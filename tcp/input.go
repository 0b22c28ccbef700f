package tcp

import (
	"log/slog"
	"time"
)

// HandleIncoming is the entry point for a decoded IPv6 TCP datagram
// (component E): it validates the fixed header, looks the 4-tuple up in
// reg, and dispatches to the matching Endpoint, or to a Listener for an
// unmatched SYN, or answers with a stateless RST per RFC 9293 Section
// 3.10.7.1. payloadLen is the TCP payload length as computed from the
// enclosing IPv6 payload length; Frame cannot derive it on its own since
// that would require already knowing the option-dependent header length.
func HandleIncoming(reg *Registry, host Host, srcAddr, dstAddr [16]byte, frm Frame, payloadLen int, now time.Time) {
	if err := frm.Validate(); err != nil {
		return
	}
	tuple := FourTuple{
		LocalAddr: dstAddr, LocalPort: frm.DestinationPort(),
		PeerAddr: srcAddr, PeerPort: frm.SourcePort(),
	}
	seg := frm.Segment(payloadLen)

	if ep, ok := reg.LookupEndpoint(tuple); ok {
		ep.handleSegment(seg, frm.Payload(), frm.Options(), now)
		return
	}

	isBareSYN := seg.Flags.HasAll(FlagSYN) && !seg.Flags.HasAny(FlagACK)
	if isBareSYN {
		if ln, ok := reg.LookupListener(tuple.LocalAddr, tuple.LocalPort); ok {
			opts, err := ParseOptions(frm.Options())
			if err != nil {
				return
			}
			ln.handleSYN(tuple, seg, opts, now)
			return
		}
	}
	replyRST(host, tuple, seg)
}

// handleSegment admits and processes one already-dispatched incoming
// segment against this endpoint's control block, following the sequence
// RFC 9293 Section 3.10.7 lays out per state: PAWS, reassembly, ACK
// processing, FIN processing, then whatever reply is now due.
func (ep *Endpoint) handleSegment(seg Segment, payload []byte, rawOpts []byte, now time.Time) {
	opts, err := ParseOptions(rawOpts)
	if err != nil {
		return
	}

	if ep.tcb.TimestampsNegotiated() && opts.HasTimestamps && !ep.tcb.CheckPAWS(seg, opts.TSVal) {
		ep.trace("endpoint:paws-drop", slog.Uint64("tsval", uint64(opts.TSVal)))
		ep.pumpOutput(now) // a challenge/duplicate ACK may already be pending.
		return
	}

	if ep.tcb.IncomingIsKeepalive(seg) {
		ep.timers.ArmKeepalive(now)
		return
	}

	seg, payload = ep.trimToWindow(seg, payload)
	prevState := ep.tcb.State()
	prevUNA := ep.tcb.SendUNA()

	if err := ep.tcb.Recv(seg); err != nil {
		ep.pumpOutput(now) // RejectError/handleRST may have queued a reply.
		return
	}

	if prevState == StateSynSent && ep.recv == nil {
		// The active-open side only learns the peer's IRS once its
		// SYN/SYN|ACK is admitted; anchor the receive buffer to it now
		// rather than at Connect time, when the peer's ISN is unknown.
		ep.ensureRecvBuffer(ep.tcb.RecvNext())
	}

	if seg.DATALEN > 0 && ep.recv != nil {
		ep.recv.Write(seg.SEQ, payload)
		ep.tcb.SetRecvWindow(ep.recv.Window())
		ep.tcb.SetRecvNext(Add(ep.recv.NextSeq(), ep.recv.Contiguous()))
	}
	if seg.Flags.HasAny(FlagFIN) && ep.recv != nil {
		ep.recv.SetFIN(seg.Last())
	}

	ep.afterHandshakeAdvance(prevState, opts, now)

	if ep.tcb.TakeFastRetransmit() {
		ep.timers.ArmRetransmit(now, ep.tcb.RTO())
		ep.retransmitUnacked(now)
	}
	if seg.Flags.HasAny(FlagACK) && ep.tcb.SendUNA() != prevUNA {
		ep.send.AckAdvance(ep.tcb.SendUNA(), ep.onSendDone, ep.onBytesAcked)
		if ep.tcb.InFlight() == 0 {
			ep.timers.DisarmRetransmit()
		}
		ep.fireSendReady()
	}

	if ep.recv != nil && (seg.DATALEN > 0 || seg.Flags.HasAny(FlagFIN)) {
		ep.fireReceiveAvailable()
		ep.scheduleAck(now)
	}

	ep.afterCloseAdvance(prevState, now)
	ep.timers.ArmKeepalive(now)
	ep.pumpOutput(now)
}

// trimToWindow clips seg/payload before admission, dropping octets the
// peer sent before RCV.NXT (an old duplicate) and any beyond the receive
// buffer's capacity, per RFC 9293 Section 3.4's handling of
// partially-overlapping segments. PAWS has already run in handleSegment;
// the in-window admission check runs afterwards in ControlBlock.Recv, on
// the trimmed segment, so RecvBuffer.Write and ControlBlock.Recv agree on
// the segment's effective length.
func (ep *Endpoint) trimToWindow(seg Segment, payload []byte) (Segment, []byte) {
	if seg.DATALEN == 0 || ep.recv == nil {
		return seg, payload
	}
	nextSeq := ep.tcb.RecvNext()
	if seg.SEQ.LessThan(nextSeq) {
		skip := Sizeof(seg.SEQ, nextSeq)
		if skip >= seg.DATALEN {
			return Segment{SEQ: nextSeq, ACK: seg.ACK, WND: seg.WND, Flags: seg.Flags}, nil
		}
		payload = payload[skip:]
		seg.SEQ = nextSeq
		seg.DATALEN -= skip
	}
	maxLen := Size(ep.recv.Capacity())
	if seg.DATALEN > maxLen {
		seg.DATALEN = maxLen
		payload = payload[:maxLen]
	}
	return seg, payload
}

// afterHandshakeAdvance negotiates options and seeds congestion/RTT state
// the first time the handshake completes in either direction.
func (ep *Endpoint) afterHandshakeAdvance(prevState State, opts Options, now time.Time) {
	justSynRcvd := prevState == StateListen && ep.tcb.State() == StateSynRcvd
	justEstablished := prevState != StateEstablished && ep.tcb.State() == StateEstablished
	if justSynRcvd || (prevState == StateSynSent && (justEstablished || ep.tcb.State() == StateSynRcvd)) {
		ep.tcb.NegotiateOptions(opts, ep.cfg)
		ep.tcb.ConfigureTimers(ep.negotiatedMSS(opts), ep.cfg.RTOMin, ep.cfg.RTOMax)
	}
	if justEstablished {
		ep.send.Reset(ep.tcb.SendUNA())
		ep.fireEstablished()
	}
}

// afterCloseAdvance fires the disconnected callback on the transitions
// that mean the application-visible connection is over, and arms the
// quarantine timer when entering TIME-WAIT.
func (ep *Endpoint) afterCloseAdvance(prevState State, now time.Time) {
	if prevState != StateTimeWait && ep.tcb.State() == StateTimeWait {
		ep.fireDisconnected(ReasonTimeWait)
		ep.timers.ArmTimeWait(now, ep.cfg.MSL)
	}
	if prevState != StateClosed && prevState != StateListen && ep.tcb.State() == StateClosed {
		ep.reg.RemoveEndpoint(ep.id)
		ep.fireDisconnected(ReasonNormal)
	}
}

// negotiatedMSS picks the smaller of our configured default and the
// peer's advertised MSS, or just our own default if the peer sent none.
func (ep *Endpoint) negotiatedMSS(opts Options) Size {
	mss := ep.cfg.DefaultMSS
	if opts.HasMSS && int(opts.MSS) < mss {
		mss = int(opts.MSS)
	}
	return Size(mss)
}

// scheduleAck counts received segments toward the every-second-segment
// rule (RFC 9293 Section 3.8.6.3): the first segment since the last ACK
// arms the delayed-ACK timer, the second disarms it. Either way the ACK
// that ControlBlock.Recv queued goes out at once, from the pumpOutput call
// that ends handleSegment; the timer does not hold an ACK back.
func (ep *Endpoint) scheduleAck(now time.Time) {
	ep.segmentsSinceAck++
	if ep.segmentsSinceAck >= 2 {
		ep.timers.DisarmDelayedAck()
		return
	}
	ep.timers.ArmDelayedAck(now)
}

func (ep *Endpoint) onSendDone(buf *LinkedBuffer) {
	if ep.cb.SendDone != nil {
		ep.cb.SendDone(ep, buf)
	}
}

func (ep *Endpoint) onBytesAcked(n Size) {
	if ep.cb.BytesAcked != nil {
		ep.cb.BytesAcked(ep, n)
	}
}

func (ep *Endpoint) fireEstablished() {
	if ep.cb.Established != nil {
		ep.cb.Established(ep)
	}
}

func (ep *Endpoint) fireSendReady() {
	if ep.cb.SendReady != nil && ep.tcb.MaxInFlightData() > 0 {
		ep.cb.SendReady(ep)
	}
}

func (ep *Endpoint) fireReceiveAvailable() {
	if ep.cb.ReceiveAvailable == nil || ep.recv == nil {
		return
	}
	endOfStream := ep.recv.FINReady()
	remaining := int(ep.recv.Window())
	ep.cb.ReceiveAvailable(ep, int(ep.recv.Contiguous()), endOfStream, remaining)
}

// replyRST answers a segment that matched no live connection with a
// stateless RST, per RFC 9293 Section 3.10.7.1: if the offending segment
// had no ACK, the RST's sequence number is 0 and it acknowledges the
// offending segment's end; otherwise the RST carries no ACK and its
// sequence number is the offending segment's ACK field. host may be nil
// only in tests that just want to observe seg construction; production
// callers always supply one.
func replyRST(host Host, tuple FourTuple, seg Segment) {
	if seg.Flags.HasAny(FlagRST) || host == nil {
		return
	}
	var rst Segment
	if seg.Flags.HasAny(FlagACK) {
		rst = Segment{SEQ: seg.ACK, Flags: FlagRST}
	} else {
		rst = Segment{SEQ: 0, ACK: Add(seg.SEQ, seg.LEN()), Flags: FlagRST | FlagACK}
	}
	var hdr [sizeHeaderTCP]byte
	frm, _ := NewFrame(hdr[:])
	frm.SetSourcePort(tuple.LocalPort)
	frm.SetDestinationPort(tuple.PeerPort)
	frm.SetSegment(rst, 5)
	frm.SetCRC(Checksum6(tuple.LocalAddr, tuple.PeerAddr, hdr[:], nil))
	_ = host.SendDatagram(tuple.LocalAddr, tuple.PeerAddr, hdr[:])
}
