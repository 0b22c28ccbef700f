package tcp

// Callbacks collects the per-endpoint notification functions the
// application registers to learn about connection lifecycle and buffer
// state, mirroring the otTcpEndpointInitializeArgs callback set. Any field
// left nil is simply never called.
type Callbacks struct {
	// Established fires once the three-way handshake completes.
	Established func(ep *Endpoint)

	// SendDone fires when every byte of a LinkedBuffer previously queued
	// via SendByReference has been acknowledged by the peer; the
	// application may now reclaim buf's backing memory.
	SendDone func(ep *Endpoint, buf *LinkedBuffer)

	// BytesAcked fires whenever the peer acknowledges new data, with the
	// number of newly-acknowledged octets. It gives finer-grained
	// feedback than SendDone, which only fires on whole-link boundaries.
	BytesAcked func(ep *Endpoint, n Size)

	// SendReady fires once the connection is able to transmit without
	// delay: after SendByReference, guaranteed to fire eventually (either
	// immediately or once congestion/flow control allow it).
	SendReady func(ep *Endpoint)

	// ReceiveAvailable fires whenever bytes are added to the receive
	// buffer, reporting how much is available to read, whether the peer
	// has closed its writing end (endOfStream), and how much receive
	// buffer capacity remains.
	ReceiveAvailable func(ep *Endpoint, bytesAvailable int, endOfStream bool, bytesRemaining int)

	// Disconnected fires when the connection is broken and must no
	// longer be used, or upon entering/leaving TIME-WAIT (in which case
	// it fires twice: ReasonTimeWait on entry, ReasonNormal on expiry).
	Disconnected func(ep *Endpoint, reason DisconnectReason)
}

// ListenerCallbacks collects the notifications a passive Listener fires.
type ListenerCallbacks struct {
	// Accept is asked to accept, defer, or refuse an incoming connection
	// attempt. It must return quickly. A verdict of AcceptNow must be
	// paired with a freshly constructed, not-yet-bound *Endpoint for the
	// listener to complete the handshake on; AcceptDefer and AcceptRefuse
	// ignore the returned Endpoint. A deferred SYN is completed later by
	// calling Listener.Accept once the application has an Endpoint ready.
	Accept func(l *Listener, remoteAddr [16]byte, remotePort uint16) (AcceptVerdict, *Endpoint)
}

// AcceptVerdict is returned by ListenerCallbacks.Accept to decide the fate
// of an incoming SYN, replacing the source implementation's sentinel
// otTcpEndpoint-pointer convention (a NULL endpoint return meant "defer",
// a special non-NULL sentinel meant "refuse") with an explicit enum.
type AcceptVerdict uint8

const (
	// AcceptNow accepts the connection immediately on a provided Endpoint.
	AcceptNow AcceptVerdict = iota
	// AcceptDefer leaves the SYN unanswered for now; the application
	// will call Listener.Accept later once it has an Endpoint ready.
	AcceptDefer
	// AcceptRefuse answers the SYN with an RST, refusing the connection.
	AcceptRefuse
)

func (v AcceptVerdict) String() string {
	switch v {
	case AcceptNow:
		return "ACCEPT"
	case AcceptDefer:
		return "DEFER"
	case AcceptRefuse:
		return "REFUSE"
	default:
		return "VERDICT(?)"
	}
}
