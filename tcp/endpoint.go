package tcp

import (
	"log/slog"
	"time"
)

// Endpoint is one application-facing TCP connection (component I): the
// composition of a ControlBlock (sequence-space state machine), a
// RecvBuffer, a SendQueue, and a Timers, driven by a Host collaborator.
// Every method is non-blocking and must be called from the single
// cooperative loop that also delivers incoming segments and timer
// expiries; Endpoint performs no synchronization of its own.
type Endpoint struct {
	host Host
	reg  *Registry
	cfg  Config
	cb   Callbacks

	id    uint64 // registry handle, doubles as the Host timer id.
	tuple FourTuple
	bound bool

	tcb    ControlBlock
	recv   *RecvBuffer
	send   SendQueue
	timers Timers

	iss ISSGenerator

	fastOpenArmed    bool // Connect was called with fast open; handshake starts on first send.
	segmentsSinceAck int  // segments received since the last ACK went out; see scheduleAck.
	lastSendTime     time.Time
	deinitialized    bool

	logger
}

// NewEndpoint constructs an Endpoint bound to no address yet; call Bind or
// Connect next. cfg is copied and validated immediately. reg is the
// registry Connect registers the endpoint's 4-tuple into once it is known;
// it may be nil for an endpoint that will only ever be handed to
// Listener.Accept, which registers it with the listener's own registry.
func NewEndpoint(host Host, reg *Registry, cfg Config, cb Callbacks, iss ISSGenerator) (*Endpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ep := &Endpoint{host: host, reg: reg, cfg: cfg, cb: cb, iss: iss}
	ep.timers.Configure(cfg)
	return ep, nil
}

// SetLogger attaches structured logging to the endpoint and its control
// block.
func (ep *Endpoint) SetLogger(log *slog.Logger) {
	ep.logger = logger{log: log}
	ep.tcb.SetLogger(log)
}

// State returns the connection's current RFC 9293 state.
func (ep *Endpoint) State() State { return ep.tcb.State() }

// LocalTuple reports the 4-tuple once bound/connected.
func (ep *Endpoint) LocalTuple() FourTuple { return ep.tuple }

// Bind assigns the local address and port an active or passive connection
// will use. addr may be the zero address to mean "any local address, pick
// later"; port must be nonzero.
func (ep *Endpoint) Bind(addr [16]byte, port uint16) error {
	if ep.bound || ep.fastOpenArmed || ep.tcb.State() != StateClosed {
		return apiErr("Bind", ErrInvalidState, errTCBNotClosed)
	}
	if port == 0 {
		return apiErr("Bind", ErrInvalidArgs, errInvalidField)
	}
	ep.tuple.LocalAddr = addr
	ep.tuple.LocalPort = port
	ep.bound = true
	return nil
}

// Connect records the peer to connect to and, when Config.TCPFastOpenDefault
// is set and noFastOpen is not, defers the handshake until the first
// SendByReference call, per the TCP Fast Open default documented in
// Section 6. Otherwise the three-way handshake begins immediately.
func (ep *Endpoint) Connect(peerAddr [16]byte, peerPort uint16, noFastOpen bool) error {
	if ep.tcb.State() != StateClosed {
		return apiErr("Connect", ErrInvalidState, errTCBNotClosed)
	}
	if peerPort == 0 {
		return apiErr("Connect", ErrInvalidArgs, errInvalidField)
	}
	localAddr := ep.tuple.LocalAddr
	if !ep.bound {
		src, err := ep.host.SelectSourceAddress(peerAddr)
		if err != nil {
			return apiErr("Connect", ErrFailed, err)
		}
		localAddr = src
	}
	localPort := ep.tuple.LocalPort
	if localPort == 0 {
		port, err := ep.reg.AllocateEphemeralPort(ep.cfg, localAddr)
		if err != nil {
			return apiErr("Connect", ErrFailed, err)
		}
		localPort = port
	}
	ep.tuple.LocalAddr = localAddr
	ep.tuple.LocalPort = localPort
	ep.tuple.PeerAddr = peerAddr
	ep.tuple.PeerPort = peerPort
	ep.id = ep.reg.AddEndpoint(ep, ep.tuple)

	useFastOpen := ep.cfg.TCPFastOpenDefault && !noFastOpen
	if useFastOpen {
		ep.fastOpenArmed = true
		return nil
	}
	return ep.beginActiveOpen()
}

func (ep *Endpoint) beginActiveOpen() error {
	ep.fastOpenArmed = false
	iss := ep.issValue()
	wnd := ep.recvWindowCapacity()
	if err := ep.tcb.OpenActive(iss, wnd); err != nil {
		return err
	}
	// ep.recv is anchored once the peer's SYN/SYN|ACK is admitted and its
	// IRS is known (see handleSegment); Connect doesn't know it yet.
	ep.pumpOutput(ep.host.Now()) // transmits the initial SYN and arms its retransmit timer.
	return nil
}

func (ep *Endpoint) issValue() Value {
	return ep.iss.Generate(ep.tuple.LocalAddr, ep.tuple.LocalPort, ep.tuple.PeerAddr, ep.tuple.PeerPort, ep.host.Now())
}

func (ep *Endpoint) recvWindowCapacity() Size {
	if ep.cfg.ReceiveBufferSize <= 0 {
		return 0
	}
	return Size(ep.cfg.ReceiveBufferSize)
}

func (ep *Endpoint) ensureRecvBuffer(irsPlusOne Value) {
	if ep.recv == nil {
		ep.recv = NewRecvBuffer(ep.cfg.ReceiveBufferSize, irsPlusOne)
	}
}

// acceptInto finalizes a passive-open Endpoint handed back from a
// listener's Accept call: it already knows the 4-tuple and the peer's
// initial SYN, and must answer with SYN|ACK.
func (ep *Endpoint) acceptInto(tuple FourTuple, peerSeg Segment, opts Options) error {
	ep.tuple = tuple
	ep.bound = true
	iss := ep.issValue()
	wnd := ep.recvWindowCapacity()
	if err := ep.tcb.Open(iss, wnd); err != nil {
		return err
	}
	if err := ep.tcb.Recv(peerSeg); err != nil {
		return err
	}
	ep.ensureRecvBuffer(ep.tcb.RecvNext())
	// The active-open side negotiates options in afterHandshakeAdvance once
	// its SYN|ACK is admitted; a passively-accepted connection never passes
	// through handleSegment in LISTEN state, so the SYN's options have to be
	// negotiated here instead, from the same SYN that just seeded peerSeg.
	ep.tcb.NegotiateOptions(opts, ep.cfg)
	ep.tcb.ConfigureTimers(ep.negotiatedMSS(opts), ep.cfg.RTOMin, ep.cfg.RTOMax)
	ep.pumpOutput(ep.host.Now()) // transmits the SYN|ACK and arms its retransmit timer.
	return nil
}

// SendByReference queues buf (a caller-owned, zero-copy reference) for
// transmission. If the connection is still fast-open-pending, this call
// triggers the deferred handshake.
func (ep *Endpoint) SendByReference(buf *LinkedBuffer) error {
	if len(buf.Data) == 0 {
		return apiErr("SendByReference", ErrInvalidArgs, errInvalidField)
	}
	if !ep.tcb.State().TxDataOpen() && ep.tcb.State() != StateClosed {
		return apiErr("SendByReference", ErrInvalidState, errConnectionClosing)
	}
	if ep.fastOpenArmed {
		if err := ep.beginActiveOpen(); err != nil {
			return err
		}
	}
	ep.send.Append(buf)
	ep.pumpOutput(ep.host.Now())
	return nil
}

// SendByExtension extends the final queued LinkedBuffer's length by n
// bytes; the caller must have already written the extra bytes into that
// buffer's backing array (it over-allocated Data's capacity for this
// purpose). Fails if the send queue is empty.
func (ep *Endpoint) SendByExtension(n Size) error {
	if err := ep.send.ExtendLast(n); err != nil {
		return apiErr("SendByExtension", ErrInvalidArgs, err)
	}
	ep.pumpOutput(ep.host.Now())
	return nil
}

// SendEndOfStream issues the CLOSE user call (RFC 9293 Section 3.10.4):
// no more data may be queued, and a FIN follows whatever is already
// queued for send.
func (ep *Endpoint) SendEndOfStream() error {
	if err := ep.tcb.Close(); err != nil {
		return apiErr("SendEndOfStream", ErrInvalidState, err)
	}
	ep.pumpOutput(ep.host.Now())
	return nil
}

// ReceiveByReference returns zero-copy views of up to maxLen contiguous
// received bytes without consuming them: one span, or two if the ring
// wraps between NextSeq and the end of the backing array. Both are valid
// until the next receive-available callback or a CommitReceive/
// ReceiveContiguify call. The application calls CommitReceive once it has
// finished using them to advance past the consumed bytes.
func (ep *Endpoint) ReceiveByReference(maxLen int) (first, second []byte) {
	if ep.recv == nil {
		return nil, nil
	}
	return ep.recv.PeekRefs(Size(maxLen))
}

// CommitReceive advances past n bytes previously handed out by
// ReceiveByReference, freeing that much receive buffer capacity.
func (ep *Endpoint) CommitReceive(n Size) {
	if ep.recv == nil {
		return
	}
	ep.recv.Advance(n)
	ep.tcb.SetRecvWindow(ep.recv.Window())
}

// ReceiveContiguify copies up to len(dst) contiguous received bytes into
// dst without consuming them, for callers that want a flat buffer instead
// of a zero-copy reference.
func (ep *Endpoint) ReceiveContiguify(dst []byte) int {
	if ep.recv == nil {
		return 0
	}
	return ep.recv.Peek(dst)
}

// InFlightBytes returns the number of sent-but-unacknowledged octets,
// mirroring otTcpGetInFlightBytes-class instantaneous accessors.
func (ep *Endpoint) InFlightBytes() Size { return ep.tcb.InFlight() }

// BufferedSend returns the number of octets queued to send: sent but not
// yet acknowledged, plus not yet sent.
func (ep *Endpoint) BufferedSend() Size { return ep.send.Buffered() }

// BufferedReceive returns the number of contiguous octets available to
// read right now.
func (ep *Endpoint) BufferedReceive() Size {
	if ep.recv == nil {
		return 0
	}
	return ep.recv.Contiguous()
}

// Abort immediately tears down the connection (RFC 9293 Section 3.10.5),
// queuing an RST if the peer might still believe the connection live,
// returning every queued send link to the application via send-done, and
// removing the endpoint from the registry.
func (ep *Endpoint) Abort() {
	ep.abort(ReasonReset)
}

// abort is Abort with the reason the disconnected callback reports.
func (ep *Endpoint) abort(reason DisconnectReason) {
	sendRST := ep.tcb.Abort()
	ep.send.DrainAll(ep.onSendDone)
	ep.reg.RemoveEndpoint(ep.id)
	ep.fireDisconnected(reason)
	if sendRST {
		ep.sendBareRST()
	}
}

// Deinitialize tears ep down for good: an implicit Abort if it isn't
// already CLOSED (which drains the send queue and unregisters it), then
// cancels its timer. A second call returns ErrInvalidState and changes
// nothing; the application must not use ep again after either call
// succeeds or fails.
func (ep *Endpoint) Deinitialize() error {
	if ep.deinitialized {
		return apiErr("Deinitialize", ErrInvalidState, errConnNotExist)
	}
	if ep.tcb.State() != StateClosed {
		ep.Abort()
	}
	ep.reg.RemoveEndpoint(ep.id)
	ep.host.CancelTimer(ep.id)
	ep.deinitialized = true
	return nil
}

func (ep *Endpoint) fireDisconnected(reason DisconnectReason) {
	if ep.cb.Disconnected != nil {
		ep.cb.Disconnected(ep, reason)
	}
}

// sendBareRST transmits a stateless RST using the SND.NXT value that
// ControlBlock.Abort recorded before it reset the send state, bypassing
// PendingSegment since Abort already moved the TCB to CLOSED.
func (ep *Endpoint) sendBareRST() {
	var hdr [sizeHeaderTCP]byte
	frm, _ := NewFrame(hdr[:])
	frm.SetSourcePort(ep.tuple.LocalPort)
	frm.SetDestinationPort(ep.tuple.PeerPort)
	frm.SetSegment(Segment{SEQ: ep.tcb.rstPtr, Flags: FlagRST}, 5)
	frm.SetCRC(Checksum6(ep.tuple.LocalAddr, ep.tuple.PeerAddr, hdr[:], nil))
	_ = ep.host.SendDatagram(ep.tuple.LocalAddr, ep.tuple.PeerAddr, hdr[:])
}
