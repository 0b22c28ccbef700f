package tcp

// rcvListen handles a segment arriving while the TCB is in LISTEN: only a
// bare SYN is acceptable, and it moves the connection to SYN-RECEIVED with
// a SYN|ACK queued, per RFC 9293 Section 3.10.7.2.
func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(FlagSYN) {
		return 0, errExpectedSYN
	}
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.pending[0] = synack
	tcb._state = StateSynRcvd
	return synack, nil
}

// rcvSynSent handles the response to an active open's SYN: a SYN|ACK
// completes the handshake directly to ESTABLISHED; a bare SYN (the
// simultaneous-open case) moves to SYN-RECEIVED instead.
func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	switch {
	case !hasSyn:
		return 0, errExpectedSYN
	case hasAck && seg.ACK != tcb.snd.UNA+1:
		return 0, errBadSegAck
	}

	if hasAck {
		tcb._state = StateEstablished
		pending = FlagACK
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	} else {
		pending = synack
		tcb._state = StateSynRcvd
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	if seg.ACK != tcb.snd.UNA+1 {
		return 0, errBadSegAck
	}
	tcb._state = StateEstablished
	return 0, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	dataToAck := seg.DATALEN > 0
	hasFin := flags.HasAny(FlagFIN)
	if dataToAck || hasFin {
		pending = FlagACK
		if hasFin {
			tcb._state = StateCloseWait
			tcb.pending[1] = FlagFIN
		}
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	flags := seg.Flags
	hasFin := flags.HasAny(FlagFIN)
	hasAck := flags.HasAny(FlagACK)
	switch {
	case hasFin && hasAck && seg.ACK == tcb.snd.NXT:
		tcb._state = StateTimeWait
	case hasFin:
		tcb._state = StateClosing
	case hasAck:
		tcb._state = StateFinWait2
	default:
		return 0, errFinWaitExpectAck
	}
	return FlagACK, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(finack) {
		return 0, errFinWaitExpectFin
	}
	tcb._state = StateTimeWait
	return FlagACK, nil
}
