// Package tcp implements a user-space TCP engine over IPv6 for
// constrained mesh nodes: a single-threaded, non-blocking connection
// state machine (RFC 9293) driven by a cooperative loop rather than by
// goroutines-per-connection, with zero-copy send buffers and a bounded
// reassembly window sized for kilobytes, not megabytes.
//
// Endpoint and Listener are the application-facing types; ControlBlock,
// RecvBuffer, SendQueue, and Timers are the components they compose.
// Host is the set of collaborator services (datagram I/O, address
// selection, timers) the engine consumes from its embedding node.
package tcp
