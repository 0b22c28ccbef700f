package tcp

import "github.com/samkumar/tcp6/internal"

// FourTuple identifies a connection: local address/port and peer
// address/port.
type FourTuple struct {
	LocalAddr  [16]byte
	LocalPort  uint16
	PeerAddr   [16]byte
	PeerPort   uint16
}

// TwoTuple identifies a listener: local address (the zero address is a
// wildcard) and local port.
type TwoTuple struct {
	LocalAddr [16]byte
	LocalPort uint16
}

// handle is a generational index: Slot identifies a storage slot, Gen
// guards against a stale handle referring to a slot that has since been
// reused by an unrelated connection.
type handle struct {
	slot uint32
	gen  uint32
}

// Registry owns the set of live Endpoints and Listeners for one engine
// instance, replacing the intrusive linked-list-through-pointer-fields
// pattern with an owned slot array addressed by generational handle, so a
// stale reference from an expired TIME-WAIT connection can never alias a
// slot some other connection has since reused.
//
// The zero value is ready to use.
type Registry struct {
	endpoints []endpointSlot
	freeEp    []uint32

	listeners []listenerSlot
	freeLn    []uint32

	// portSeed drives AllocateEphemeralPort's randomized starting offset,
	// advanced by internal.Prand32 on every call.
	portSeed uint32
}

type endpointSlot struct {
	gen    uint32
	occupied bool
	ep     *Endpoint
	tuple  FourTuple
}

type listenerSlot struct {
	gen      uint32
	occupied bool
	ln       *Listener
	tuple    TwoTuple
}

// AddEndpoint registers ep under tuple and returns the handle identifying
// it, encoded as a uint64 so it doubles as the Host.ArmTimer id namespace.
func (r *Registry) AddEndpoint(ep *Endpoint, tuple FourTuple) uint64 {
	var slot uint32
	if n := len(r.freeEp); n > 0 {
		slot = r.freeEp[n-1]
		r.freeEp = r.freeEp[:n-1]
		r.endpoints[slot].gen++
	} else {
		slot = uint32(len(r.endpoints))
		r.endpoints = append(r.endpoints, endpointSlot{})
	}
	r.endpoints[slot].occupied = true
	r.endpoints[slot].ep = ep
	r.endpoints[slot].tuple = tuple
	return encodeHandle(handle{slot: slot, gen: r.endpoints[slot].gen})
}

// RemoveEndpoint releases id's slot for reuse. Any handle copy still held
// elsewhere becomes stale (its generation no longer matches) rather than
// silently resolving to whatever connection reuses the slot next.
func (r *Registry) RemoveEndpoint(id uint64) {
	h := decodeHandle(id)
	if int(h.slot) >= len(r.endpoints) || !r.endpoints[h.slot].occupied || r.endpoints[h.slot].gen != h.gen {
		return
	}
	r.endpoints[h.slot] = endpointSlot{gen: h.gen}
	r.freeEp = append(r.freeEp, h.slot)
}

// LookupEndpoint finds the Endpoint exactly matching tuple.
func (r *Registry) LookupEndpoint(tuple FourTuple) (*Endpoint, bool) {
	for i := range r.endpoints {
		s := &r.endpoints[i]
		if s.occupied && s.tuple == tuple {
			return s.ep, true
		}
	}
	return nil, false
}

// AddListener registers ln under tuple.
func (r *Registry) AddListener(ln *Listener, tuple TwoTuple) uint64 {
	var slot uint32
	if n := len(r.freeLn); n > 0 {
		slot = r.freeLn[n-1]
		r.freeLn = r.freeLn[:n-1]
		r.listeners[slot].gen++
	} else {
		slot = uint32(len(r.listeners))
		r.listeners = append(r.listeners, listenerSlot{})
	}
	r.listeners[slot].occupied = true
	r.listeners[slot].ln = ln
	r.listeners[slot].tuple = tuple
	return encodeHandle(handle{slot: slot, gen: r.listeners[slot].gen})
}

func (r *Registry) RemoveListener(id uint64) {
	h := decodeHandle(id)
	if int(h.slot) >= len(r.listeners) || !r.listeners[h.slot].occupied || r.listeners[h.slot].gen != h.gen {
		return
	}
	r.listeners[h.slot] = listenerSlot{gen: h.gen}
	r.freeLn = append(r.freeLn, h.slot)
}

// LookupListener finds the listener bound to (addr, port), preferring an
// exact address match over a wildcard-address listener on the same port,
// per the exact-4-tuple-beats-wildcard-listener ordering.
func (r *Registry) LookupListener(addr [16]byte, port uint16) (*Listener, bool) {
	var wildcard *Listener
	for i := range r.listeners {
		s := &r.listeners[i]
		if !s.occupied || s.tuple.LocalPort != port {
			continue
		}
		if s.tuple.LocalAddr == addr {
			return s.ln, true
		}
		if internal.IsZeroed(s.tuple.LocalAddr) {
			wildcard = s.ln
		}
	}
	if wildcard != nil {
		return wildcard, true
	}
	return nil, false
}

// AllocateEphemeralPort picks an unused local port in cfg's ephemeral range
// for addr, for a Connect call that was not explicitly Bind-ed to one. The
// scan starts at a pseudo-random offset into the range rather than always
// at low, so two nodes that both exhaust their low ports the same way
// don't keep colliding with each other's recently-closed connections.
func (r *Registry) AllocateEphemeralPort(cfg Config, addr [16]byte) (uint16, error) {
	low, high := cfg.EphemeralPortLow, cfg.EphemeralPortHigh
	if low == 0 || high < low {
		low, high = 49152, 65535
	}
	span := uint32(high) - uint32(low) + 1
	if r.portSeed == 0 {
		r.portSeed = 0x9e3779b9 // xorshift never advances from a zero seed.
	}
	r.portSeed = internal.Prand32(r.portSeed)
	start := r.portSeed % span
	for i := uint32(0); i < span; i++ {
		port := uint16(uint32(low) + (start+i)%span)
		if !r.portInUse(addr, port) {
			return port, nil
		}
	}
	return 0, errNoEphemeralPort
}

func (r *Registry) portInUse(addr [16]byte, port uint16) bool {
	addrIsWild := internal.IsZeroed(addr)
	for i := range r.endpoints {
		s := &r.endpoints[i]
		if s.occupied && s.tuple.LocalPort == port && (s.tuple.LocalAddr == addr || internal.IsZeroed(s.tuple.LocalAddr) || addrIsWild) {
			return true
		}
	}
	for i := range r.listeners {
		s := &r.listeners[i]
		if s.occupied && s.tuple.LocalPort == port && (s.tuple.LocalAddr == addr || internal.IsZeroed(s.tuple.LocalAddr) || addrIsWild) {
			return true
		}
	}
	return false
}

// LookupEndpointByID finds the Endpoint registered under id, the same
// handle AddEndpoint returned and Host.ArmTimer was given as the timer id.
func (r *Registry) LookupEndpointByID(id uint64) (*Endpoint, bool) {
	h := decodeHandle(id)
	if int(h.slot) >= len(r.endpoints) || !r.endpoints[h.slot].occupied || r.endpoints[h.slot].gen != h.gen {
		return nil, false
	}
	return r.endpoints[h.slot].ep, true
}

func encodeHandle(h handle) uint64 { return uint64(h.gen)<<32 | uint64(h.slot) }
func decodeHandle(id uint64) handle {
	return handle{slot: uint32(id), gen: uint32(id >> 32)}
}

// Dispatcher adapts a Registry and Host into TimerCallback: a Host
// implementation built as one global scheduler calls OnTimerFired(id) when
// a connection's deadline arrives, and Dispatcher resolves id back to the
// Endpoint that owns it and hands it the host's current time.
type Dispatcher struct {
	Reg  *Registry
	Host Host
}

// OnTimerFired implements TimerCallback. It is a no-op if id no longer
// names a live endpoint (the connection closed between arming the timer
// and it firing).
func (d Dispatcher) OnTimerFired(id uint64) {
	ep, ok := d.Reg.LookupEndpointByID(id)
	if !ok {
		return
	}
	ep.OnTimerFired(d.Host.Now())
}
