package tcp

import (
	"log/slog"
	"math"
	"time"
)

// finack and synack are the flag combinations the handshake and close
// sequences queue as a single pending segment.
const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
)

// ControlBlock is the per-connection Transmission Control Block (component
// D), the sequence-space and state-machine core of RFC 9293 Section 3.3.1.
// It owns no I/O: callers feed it decoded Segments via Recv/Send and read
// back a pending control segment to transmit. NewReno congestion state and
// the RTT estimator live inside the CCB; buffer management (RecvBuffer,
// SendQueue) and timers are separate components the CCB is composed with
// by Endpoint.
type ControlBlock struct {
	snd sendSpace
	rcv recvSpace

	// rstPtr holds the sequence number of a pending RST, set by
	// validateIncomingSegment's reset reply and by Abort so the RST
	// "believably" falls in the peer's window (RFC 9293 Section 3.5.2).
	rstPtr Value
	// pending is a two-slot queue of control flags awaiting transmission:
	// slot 0 is sent next, slot 1 (used only for FIN) after that.
	pending [2]Flags

	_state       State // leading underscore keeps State() as the read API.
	challengeAck bool

	opts negotiatedOptions
	cong congestionState
	rtt  rttEstimator

	// fastRetransmit is set by Recv when a third duplicate ACK arrives;
	// the input processor checks and clears it via TakeFastRetransmit.
	fastRetransmit bool

	logger
}

// TakeFastRetransmit reports and clears whether the most recent Recv call
// triggered NewReno fast retransmit (three duplicate ACKs).
func (tcb *ControlBlock) TakeFastRetransmit() bool {
	v := tcb.fastRetransmit
	tcb.fastRetransmit = false
	return v
}

// negotiatedOptions records what the handshake agreed to use for the
// lifetime of the connection.
type negotiatedOptions struct {
	windowScaleSend uint8 // shift applied to outgoing WND (our scale, told to peer).
	windowScaleRecv uint8 // shift applied to incoming WND (peer's scale, told to us).
	timestamps      bool
	sack            bool
	tsRecent        uint32 // TS.Recent, for PAWS (RFC 7323 Section 5).
	lastAckSent     Value  // Last.ACK.sent, for PAWS.
}

func (tcb *ControlBlock) State() State  { return tcb._state }
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// SetRecvNext overrides RCV.NXT with the true contiguous-delivery boundary
// RecvBuffer computed after absorbing a segment's payload. Recv advances
// RCV.NXT by the segment's length unconditionally (it has no visibility
// into reassembly), which only reflects reality when the segment lands
// exactly at the front of the window; a segment that left a gap behind it
// needs RCV.NXT pulled back to where data is actually contiguous, so the
// next ACK correctly invites the peer to fill the gap rather than
// acknowledging bytes never delivered in order.
func (tcb *ControlBlock) SetRecvNext(v Value) { tcb.rcv.NXT = v }
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }
func (tcb *ControlBlock) ISS() Value       { return tcb.snd.ISS }
func (tcb *ControlBlock) SendUNA() Value   { return tcb.snd.UNA }
func (tcb *ControlBlock) SendNext() Value  { return tcb.snd.NXT }

// SetRecvWindow sets the local receive window advertised to the peer,
// typically driven by RecvBuffer.Window.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

func (tcb *ControlBlock) SetLogger(log *slog.Logger) { tcb.logger = logger{log: log} }

// ConfigureTimers seeds the congestion window and RTO bounds from the
// negotiated MSS and configured limits. Endpoint calls this once, right
// after the handshake negotiates MSS, before any data is sent.
func (tcb *ControlBlock) ConfigureTimers(mss Size, rtoMin, rtoMax time.Duration) {
	tcb.cong.initCongestion(mss)
	tcb.rtt.initRTT(rtoMin, rtoMax)
}

// RTO returns the current retransmission timeout estimate.
func (tcb *ControlBlock) RTO() time.Duration { return tcb.rtt.rto() }

// OnRTOExpired applies RFC 6298/5681 backoff after a retransmit timer
// fires: doubles RTO and collapses the congestion window.
func (tcb *ControlBlock) OnRTOExpired() {
	tcb.rtt.backoff()
	tcb.cong.onRTO()
}

// SampleRTT feeds a non-ambiguous round-trip measurement (Karn's
// algorithm: only for data that was never retransmitted) into the RTT
// estimator.
func (tcb *ControlBlock) SampleRTT(rtt time.Duration) { tcb.rtt.Sample(rtt) }

// Cwnd returns the current NewReno congestion window, mostly useful for
// diagnostics and tests.
func (tcb *ControlBlock) Cwnd() Size { return tcb.cong.cwnd }

// InFlight returns the number of sent-but-unacknowledged octets.
func (tcb *ControlBlock) InFlight() Size { return tcb.snd.inFlight() }

// MaxInFlightData returns how many additional octets may be sent right
// now without exceeding the peer's advertised window.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb._state.IsPreestablished() && tcb._state != StateClosed {
		return tcb.snd.maxSend()
	}
	return 0
}

// IncomingIsKeepalive reports whether seg is a bare keepalive probe ACK
// (RFC 9293 Section 3.8.4): SEQ one byte behind RCV.NXT (RCV.NXT-1), no
// payload.
func (tcb *ControlBlock) IncomingIsKeepalive(seg Segment) bool {
	return seg.SEQ == tcb.rcv.NXT-1 && seg.Flags == FlagACK &&
		seg.ACK == tcb.snd.NXT && seg.DATALEN == 0
}

// MakeKeepalive builds a keepalive probe segment; it is not passed through
// Send (it doesn't represent real transmitted data).
func (tcb *ControlBlock) MakeKeepalive() Segment {
	return Segment{SEQ: tcb.snd.NXT - 1, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}
}

// NegotiateOptions records what the handshake agreed to use, called once
// after the SYN (passive open) or SYN|ACK (active open) carrying the
// peer's options has been admitted.
func (tcb *ControlBlock) NegotiateOptions(opts Options, cfg Config) {
	tcb.opts.timestamps = cfg.EnableTimestamps && opts.HasTimestamps
	tcb.opts.sack = cfg.EnableSACK && opts.SACKPermitted
	if opts.HasWindowScale {
		tcb.opts.windowScaleSend = cfg.WindowScaleShift
		tcb.opts.windowScaleRecv = opts.WindowScale
	}
	if opts.HasTimestamps {
		tcb.opts.tsRecent = opts.TSVal
	}
}

// TimestampsNegotiated reports whether RFC 7323 timestamps are active on
// this connection.
func (tcb *ControlBlock) TimestampsNegotiated() bool { return tcb.opts.timestamps }

// SACKNegotiated reports whether RFC 2018 selective acknowledgments are
// active on this connection.
func (tcb *ControlBlock) SACKNegotiated() bool { return tcb.opts.sack }

// TSRecent returns TS.Recent, echoed back as TSecr in outgoing segments.
func (tcb *ControlBlock) TSRecent() uint32 { return tcb.opts.tsRecent }

// CheckPAWS applies RFC 7323 Section 5's protection-against-wrapped-
// sequences test: a segment whose TSval is older than TS.Recent is stale
// and must be dropped with a bare ACK, unless it falls at the left edge of
// the window where an old duplicate is expected to arrive. A segment that
// passes updates TS.Recent.
func (tcb *ControlBlock) CheckPAWS(seg Segment, tsval uint32) bool {
	if !tcb.opts.timestamps {
		return true
	}
	if tcb.opts.tsRecent != 0 && int32(tsval-tcb.opts.tsRecent) < 0 {
		return seg.SEQ.LessThanEq(tcb.opts.lastAckSent)
	}
	if seg.SEQ.LessThanEq(tcb.rcv.NXT) {
		tcb.opts.tsRecent = tsval
	}
	return true
}

// NoteAckSent records the sequence number most recently acknowledged, so
// a later PAWS check can recognize an old duplicate at the window's left
// edge as legitimate rather than stale.
func (tcb *ControlBlock) NoteAckSent(seq Value) { tcb.opts.lastAckSent = seq }

type sendSpace struct {
	ISS Value
	UNA Value
	NXT Value
	WND Size
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }
func (snd *sendSpace) maxSend() Size {
	inFlight := snd.inFlight()
	if inFlight >= snd.WND {
		return 0
	}
	return snd.WND - inFlight
}

type recvSpace struct {
	IRS Value
	NXT Value
	WND Size
}

// Open performs a passive open (LISTEN), preparing the TCB to accept an
// incoming SYN. iss should come from ISSGenerator.
func (tcb *ControlBlock) Open(iss Value, wnd Size) error {
	switch {
	case tcb._state != StateClosed && tcb._state != StateListen:
		return apiErr("Open", ErrInvalidState, errTCBNotClosed)
	case wnd > math.MaxUint16:
		return apiErr("Open", ErrInvalidArgs, errWindowTooLarge)
	}
	tcb._state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	tcb.trace("ccb:open-listen")
	return nil
}

// OpenActive performs an active open (SYN-SENT), as issued by Connect.
func (tcb *ControlBlock) OpenActive(iss Value, wnd Size) error {
	if tcb._state != StateClosed {
		return apiErr("Connect", ErrInvalidState, errTCBNotClosed)
	}
	tcb._state = StateSynSent
	tcb.prepareToHandshake(iss, wnd)
	tcb.pending[0] = FlagSYN
	tcb.trace("ccb:open-active")
	return nil
}

func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
}

// HasPending reports whether a control segment awaits transmission.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to transmit carrying up to
// payloadLen octets of data. The only state it changes is consuming a
// queued challenge ACK; the caller commits the send via Send once it has
// actually copied the bytes out.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.advertisedWindow()}, true
	}
	pending := tcb.pending[0]
	established := tcb._state == StateEstablished || tcb._state == StateCloseWait
	if !established {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false
	}

	maxPayload := int(tcb.snd.maxSend())
	if maxPayload > int(tcb.cong.sendWindow()) {
		maxPayload = int(tcb.cong.sendWindow())
	}
	if payloadLen > maxPayload {
		if maxPayload == 0 && !pending.HasAny(FlagFIN|FlagRST|FlagSYN) {
			return Segment{}, false
		}
		payloadLen = maxPayload
	}

	if established {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}
	seg := Segment{SEQ: seq, ACK: ack, WND: tcb.advertisedWindow(), Flags: pending, DATALEN: Size(payloadLen)}
	if tcb.logenabled(levelTrace) {
		tcb.trace("ccb:pending-out", slog.String("seg", seg.String()))
	}
	return seg, true
}

// advertisedWindow applies our negotiated window-scale shift to RCV.WND.
func (tcb *ControlBlock) advertisedWindow() Size {
	return tcb.rcv.WND >> tcb.opts.windowScaleSend
}

// Recv processes an incoming segment: it runs the sequence-window
// admission checks itself (validateIncomingSegment) and then advances the
// state machine. PAWS is the input processor's job and has already run.
func (tcb *ControlBlock) Recv(seg Segment) error {
	err := tcb.validateIncomingSegment(seg)
	if err != nil {
		tcb.logerr("ccb:rcv.reject", errAttr(err))
		return err
	}

	prevUNA := tcb.snd.UNA
	var pending Flags
	switch tcb._state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
		// No further state transitions; application must Close.
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.close()
		}
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb._state = StateTimeWait
		}
	default:
		return apiErr("Recv", ErrInvalidState, errConnectionClosing)
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	tcb.snd.WND = seg.WND << tcb.opts.windowScaleRecv
	if seg.Flags.HasAny(FlagACK) {
		if seg.ACK != prevUNA {
			tcb.cong.onNewAck(Sizeof(prevUNA, seg.ACK))
		} else if tcb._state == StateEstablished && seg.DATALEN == 0 {
			if tcb.cong.onDuplicateAck() {
				tcb.fastRetransmit = true
			}
		}
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())
	return nil
}

// Send processes an already-admitted outgoing segment, recording its
// effect on send state. Callers build seg from PendingSegment plus any
// application data, then call Send once the bytes are actually on the
// wire.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		tcb.logerr("ccb:snd.reject", errAttr(err))
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb._state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb._state = StateSynSent
		}
	case StateSynRcvd:
		if hasFIN {
			tcb._state = StateFinWait1
		}
	case StateClosing:
		if hasACK {
			tcb._state = StateTimeWait
		}
	case StateEstablished:
		if hasFIN {
			tcb._state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb._state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	tcb.snd.NXT.UpdateForward(seg.LEN())
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb._state == StateClosed && seg.isFirstSYN()
	checkSeq := !isFirst && !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK

	switch {
	case tcb._state == StateClosed && !isFirst:
		return errConnNotExist
	case seg.WND > math.MaxUint16:
		return errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		return errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	case seg.DATALEN > 0 && (tcb._state == StateFinWait1 || tcb._state == StateFinWait2):
		return errConnectionClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		return errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}
	return nil
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) error {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb._state == StateEstablished
	preestablished := tcb._state.IsPreestablished()
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case tcb._state == StateClosed:
		return errConnNotExist
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		return errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}

	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}

	switch {
	case established && acksOld && !ctlOrDataSegment:
		tcb.pending[0] &= FlagFIN
		return errDropSegment
	case established && acksUnsentData:
		tcb.pending[0] = FlagACK
		return errDropSegment
	case preestablished && (acksOld || acksUnsentData):
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		return errDropSegment
	}
	return nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{IRS: remoteISS, NXT: remoteISS, WND: localWND}
}

func (tcb *ControlBlock) handleRST(seq Value) error {
	tcb.debug("ccb:rcv-rst", slog.String("state", tcb._state.String()))
	if seq != tcb.rcv.NXT {
		// RFC 9293: an RST not exactly at RCV.NXT but within the window
		// gets a challenge ACK rather than being honored outright.
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	if tcb._state.IsPreestablished() {
		tcb.pending[0] = 0
		tcb._state = StateListen
		return errDropSegment
	}
	tcb.close()
	return &Error{Kind: ErrInvalidState, Op: "Recv", Err: errConnectionClosing}
}

func (tcb *ControlBlock) close() {
	tcb._state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
	tcb.debug("ccb:close")
}

// Close implements the CLOSE user call (RFC 9293 Section 3.10.4): it does
// not tear the TCB down immediately but arranges for a FIN to go out.
func (tcb *ControlBlock) Close() error {
	switch tcb._state {
	case StateClosed:
		return apiErr("Close", ErrInvalidState, errConnNotExist)
	case StateCloseWait:
		tcb._state = StateLastAck
		tcb.pending = [2]Flags{FlagFIN, FlagACK}
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
		return apiErr("Close", ErrInvalidState, errConnectionClosing)
	default:
		return apiErr("Close", ErrInvalidState, errConnectionClosing)
	}
	tcb.trace("ccb:close", slog.String("state", tcb._state.String()))
	return nil
}

// Abort forces the connection directly to CLOSED, queuing an RST if the
// connection had live peer state (RFC 9293 Section 3.10.5 ABORT call).
func (tcb *ControlBlock) Abort() (sendRST bool) {
	sendRST = tcb._state != StateClosed && tcb._state != StateListen && tcb._state != StateTimeWait
	if sendRST {
		tcb.rstPtr = tcb.snd.NXT
	}
	tcb.close()
	return sendRST
}
