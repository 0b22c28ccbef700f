package tcp

import "time"

// pumpOutput is the output processor (component F): it decides whether a
// segment is worth sending right now and, if so, builds and transmits it.
// Every input event and every timer expiry ends by calling this so a
// single policy governs when bytes actually hit the wire.
func (ep *Endpoint) pumpOutput(now time.Time) {
	ep.maybeArmPersist(now)

	payloadLen := ep.sendableNow()
	seg, ok := ep.tcb.PendingSegment(int(payloadLen))
	if !ok {
		return
	}
	if ep.tcb.State() == StateEstablished && seg.Flags.HasAny(FlagFIN) && ep.send.Unsent() > seg.DATALEN {
		// Queued data remains beyond this segment: the FIN waits for it.
		seg.Flags &^= FlagFIN
		if seg.DATALEN == 0 && !ep.tcb.pending[0].HasAny(FlagACK) {
			return
		}
	}
	if err := ep.transmit(seg, now); err != nil {
		ep.logerr("endpoint:transmit-failed", errAttr(err))
	}
}

// sendableNow applies Nagle's algorithm (RFC 9293 Section 3.7.4) and silly
// window avoidance to decide how much queued data, if any, should go out
// in the next segment. A full MSS's worth always goes immediately; a
// smaller amount waits for the pipe to drain unless nothing is already in
// flight (so a single small write isn't held up indefinitely).
func (ep *Endpoint) sendableNow() Size {
	unsent := ep.send.Unsent()
	if unsent == 0 {
		return 0
	}
	mss := Size(ep.cfg.DefaultMSS)
	maxSend := ep.tcb.MaxInFlightData()
	if maxSend == 0 {
		return 0
	}
	if unsent > maxSend {
		unsent = maxSend
	}
	if unsent >= mss {
		return mss
	}
	if ep.tcb.InFlight() > 0 {
		return 0 // Nagle: a small segment is already outstanding.
	}
	return unsent
}

// maybeArmPersist switches the shared retransmit/persist timer slot into
// persist mode whenever data is queued but the peer's window has closed
// (RFC 9293 Section 3.8.6.1), and disarms it once the window reopens.
func (ep *Endpoint) maybeArmPersist(now time.Time) {
	if ep.tcb.State() != StateEstablished && ep.tcb.State() != StateCloseWait {
		return
	}
	if ep.send.Unsent() > 0 && ep.tcb.snd.WND == 0 {
		ep.timers.ArmPersist(now, ep.tcb.RTO())
		return
	}
	ep.timers.DisarmPersist()
}

// sendFrame builds seg's wire representation (fixed header, any
// negotiated options, and payload) and hands it to the host for
// transmission. It touches no send-side state; callers that commit new
// data or control flags do that themselves once the frame is on the wire.
func (ep *Endpoint) sendFrame(seg Segment, payload []byte) error {
	var optbuf [40]byte
	opts := ep.buildOptions(seg, optbuf[:0])
	hdrLen := sizeHeaderTCP + len(opts)

	buf := ep.host.NewMessage(hdrLen + len(payload))
	defer ep.host.FreeMessage(buf)

	frm, err := NewFrame(buf[:hdrLen])
	if err != nil {
		return err
	}
	frm.ClearHeader()
	frm.SetSourcePort(ep.tuple.LocalPort)
	frm.SetDestinationPort(ep.tuple.PeerPort)
	copy(buf[sizeHeaderTCP:hdrLen], opts)
	frm.SetSegment(seg, uint8(hdrLen/4))
	copy(buf[hdrLen:], payload)
	frm.SetCRC(Checksum6(ep.tuple.LocalAddr, ep.tuple.PeerAddr, buf[:hdrLen], payload))

	return ep.host.SendDatagram(ep.tuple.LocalAddr, ep.tuple.PeerAddr, buf)
}

// transmit sends seg, which must carry new send-side commitment
// (seg.SEQ == SND.NXT: data or control flags not yet accounted for), and
// on success commits that accounting to the control block and send
// queue. Retransmissions go through sendFrame directly instead, since
// they must not re-advance SND.NXT for bytes already sent once.
func (ep *Endpoint) transmit(seg Segment, now time.Time) error {
	payload := ep.send.PeekSendable(seg.DATALEN)
	if Size(len(payload)) < seg.DATALEN {
		seg.DATALEN = Size(len(payload)) // PeekSendable stops at the end of a link.
	}
	if err := ep.sendFrame(seg, payload); err != nil {
		return err
	}

	if err := ep.tcb.Send(seg); err != nil {
		return err
	}
	if seg.DATALEN > 0 {
		ep.send.MarkSent(seg.DATALEN)
	}
	if seg.Flags.HasAny(FlagACK) {
		ep.tcb.NoteAckSent(seg.ACK)
		ep.timers.DisarmDelayedAck()
		ep.segmentsSinceAck = 0
	}
	if seg.LEN() > 0 {
		ep.lastSendTime = now
		ep.timers.ArmRetransmit(now, ep.tcb.RTO())
	}
	if at, _, ok := ep.nextDeadline(); ok {
		ep.host.ArmTimer(ep.id, at)
	}
	return nil
}

// buildOptions appends the options a handshake SYN carries (MSS, window
// scale, SACK-permitted) and, once timestamps are negotiated, the
// timestamps option every subsequent segment carries (RFC 7323 Section
// 4), padding the result to a 4-byte boundary.
func (ep *Endpoint) buildOptions(seg Segment, dst []byte) []byte {
	b := NewOptionBuilder(dst)
	isSYN := seg.Flags.HasAny(FlagSYN)
	if isSYN {
		b.PutMSS(uint16(ep.cfg.DefaultMSS))
		b.PutWindowScale(ep.cfg.WindowScaleShift)
		if ep.cfg.EnableSACK {
			b.PutSACKPermitted()
		}
	}
	if ep.cfg.EnableTimestamps && (isSYN || ep.tcb.TimestampsNegotiated()) {
		tsval := uint32(ep.host.Now().UnixNano() / int64(issClockPeriod))
		b.PutTimestamps(tsval, ep.tcb.TSRecent())
	}
	b.Pad()
	return b.Bytes()
}

// nextDeadline reports the earliest deadline across the endpoint's four
// timer slots, for re-arming the single host timer this endpoint owns.
func (ep *Endpoint) nextDeadline() (at time.Time, slot timerSlot, ok bool) {
	slot, at, ok = ep.timers.NextDeadline()
	return at, slot, ok
}

// OnTimerFired is called by whatever drives Host.ArmTimer once this
// endpoint's id is due; it figures out which slot(s) expired and reacts.
func (ep *Endpoint) OnTimerFired(now time.Time) {
	if ep.timers.Armed(timerDelayedAck) && !now.Before(ep.timers.Deadline(timerDelayedAck)) {
		ep.timers.DisarmDelayedAck()
		ep.pumpOutput(now) // PendingSegment will find the ACK due and send it.
	}
	if ep.timers.Armed(timerRetransmitOrPersist) && !now.Before(ep.timers.Deadline(timerRetransmitOrPersist)) {
		ep.onRetransmitOrPersistFired(now)
	}
	if ep.timers.Armed(timerKeepalive) && !now.Before(ep.timers.Deadline(timerKeepalive)) {
		ep.onKeepaliveFired(now)
	}
	if ep.timers.Armed(timerTimeWait) && !now.Before(ep.timers.Deadline(timerTimeWait)) {
		ep.onTimeWaitExpired()
	}
	if at, _, ok := ep.nextDeadline(); ok {
		ep.host.ArmTimer(ep.id, at)
	} else {
		ep.host.CancelTimer(ep.id)
	}
}

func (ep *Endpoint) onRetransmitOrPersistFired(now time.Time) {
	switch ep.timers.RTOMode() {
	case rtoModePersist:
		ep.timers.ArmPersist(now, ep.tcb.RTO())
		ep.sendWindowProbe(now)
	case rtoModeRetransmit:
		if ep.timers.OnRetransmitExpired() {
			ep.abort(ReasonTimedOut)
			return
		}
		ep.tcb.OnRTOExpired()
		ep.retransmitUnacked(now)
		ep.timers.ArmRetransmit(now, ep.tcb.RTO())
	}
}

// sendWindowProbe transmits a single octet at SND.NXT to provoke a
// fresh window update from a peer that previously advertised zero (RFC
// 9293 Section 3.8.6.1).
func (ep *Endpoint) sendWindowProbe(now time.Time) {
	if ep.send.Unsent() == 0 {
		return
	}
	seg := Segment{SEQ: ep.tcb.SendNext(), ACK: ep.tcb.RecvNext(), Flags: FlagACK, WND: ep.tcb.RecvWindow(), DATALEN: 1}
	_ = ep.transmit(seg, now)
}

// retransmitUnacked resends from SND.UNA after a retransmit timeout, per
// RFC 6298; NewReno's onRTO has already collapsed the window. Unlike
// transmit, this carries no new send-side commitment (SEQ is behind
// SND.NXT, not at it), so it goes straight to sendFrame rather than
// through ControlBlock.Send/SendQueue.MarkSent.
func (ep *Endpoint) retransmitUnacked(now time.Time) {
	n := ep.tcb.InFlight()
	if n == 0 {
		return
	}
	if Size(ep.cfg.DefaultMSS) < n {
		n = Size(ep.cfg.DefaultMSS)
	}
	payload := ep.host.NewMessage(int(n))
	defer ep.host.FreeMessage(payload)
	got := Size(ep.send.Contiguify(payload))

	seg := Segment{SEQ: ep.tcb.SendUNA(), ACK: ep.tcb.RecvNext(), Flags: FlagACK, WND: ep.tcb.RecvWindow(), DATALEN: got}
	if err := ep.sendFrame(seg, payload[:got]); err != nil {
		ep.logerr("endpoint:retransmit-failed", errAttr(err))
		return
	}
	ep.tcb.NoteAckSent(seg.ACK)
	ep.lastSendTime = now
}

func (ep *Endpoint) onKeepaliveFired(now time.Time) {
	if ep.tcb.State() != StateEstablished {
		ep.timers.disarm(timerKeepalive)
		return
	}
	if !ep.timers.OnKeepaliveExpired(now) {
		ep.abort(ReasonTimedOut)
		return
	}
	ep.sendKeepaliveProbe()
}

// sendKeepaliveProbe transmits a bare keepalive ACK one octet behind
// SND.NXT without passing it through ControlBlock.Send, since it carries
// no new sequence-space commitment (RFC 9293 Section 3.8.4).
func (ep *Endpoint) sendKeepaliveProbe() {
	seg := ep.tcb.MakeKeepalive()
	var hdr [sizeHeaderTCP]byte
	frm, _ := NewFrame(hdr[:])
	frm.SetSourcePort(ep.tuple.LocalPort)
	frm.SetDestinationPort(ep.tuple.PeerPort)
	frm.SetSegment(seg, 5)
	frm.SetCRC(Checksum6(ep.tuple.LocalAddr, ep.tuple.PeerAddr, hdr[:], nil))
	_ = ep.host.SendDatagram(ep.tuple.LocalAddr, ep.tuple.PeerAddr, hdr[:])
}

func (ep *Endpoint) onTimeWaitExpired() {
	ep.timers.disarm(timerTimeWait)
	ep.tcb.Abort() // quarantine elapsed; finalize TIME-WAIT -> CLOSED (no RST, peer is already gone).
	ep.reg.RemoveEndpoint(ep.id)
	ep.fireDisconnected(ReasonNormal)
}
