package tcp

import "time"

// Host is the set of collaborator services the engine consumes from its
// embedding node: datagram transmission, source address selection,
// message buffer allocation, and the one-shot millisecond timer driver.
// None of these are implemented by this package; a caller on bare metal
// wires them to its radio driver and scheduler, and a caller in tests
// wires them to an in-memory fake.
//
// Every method must return promptly: the engine is cooperative and
// single-threaded, and a blocking Host call blocks every connection it
// manages.
type Host interface {
	// SendDatagram transmits an IPv6 payload (the already-built TCP
	// segment, header and options and data together) from src to dst.
	// The engine owns payload only for the duration of the call; Host
	// must not retain the slice afterward.
	SendDatagram(src, dst [16]byte, payload []byte) error

	// SelectSourceAddress picks the local address to use when connecting
	// to dst, for connections that were not explicitly Bind-ed to one.
	SelectSourceAddress(dst [16]byte) ([16]byte, error)

	// NewMessage allocates a buffer of at least size bytes for the engine
	// to build an outgoing segment into. FreeMessage releases it. Callers
	// that don't need a pooled allocator may implement this with make().
	NewMessage(size int) []byte
	FreeMessage([]byte)

	// Now returns the current time, the clock the timer slots in Timers
	// are measured against.
	Now() time.Time

	// ArmTimer asks the host to call back into the engine no earlier
	// than at. Each connection has its own id (opaque to Host); a second
	// ArmTimer call with the same id replaces the previous deadline, as
	// CancelTimer(id) followed by a fresh arm would.
	ArmTimer(id uint64, at time.Time)
	// CancelTimer cancels a previously armed timer for id, if any. It is
	// not an error to cancel a timer that already fired or was never
	// armed.
	CancelTimer(id uint64)
}

// TimerCallback is implemented by whatever owns the id namespace passed
// to Host.ArmTimer (Dispatcher, in this package) so Host implementations
// written as a single global scheduler have one place to deliver expiry.
type TimerCallback interface {
	OnTimerFired(id uint64)
}
