package tcp

import (
	"testing"
	"time"
)

func TestRegistryAddLookupRemoveEndpoint(t *testing.T) {
	var r Registry
	ep := &Endpoint{}
	tuple := FourTuple{LocalPort: 1000, PeerPort: 2000}
	id := r.AddEndpoint(ep, tuple)

	got, ok := r.LookupEndpoint(tuple)
	if !ok || got != ep {
		t.Fatal("LookupEndpoint should find the just-added endpoint")
	}
	byID, ok := r.LookupEndpointByID(id)
	if !ok || byID != ep {
		t.Fatal("LookupEndpointByID should resolve the handle AddEndpoint returned")
	}

	r.RemoveEndpoint(id)
	if _, ok := r.LookupEndpoint(tuple); ok {
		t.Fatal("endpoint should be gone after RemoveEndpoint")
	}
	if _, ok := r.LookupEndpointByID(id); ok {
		t.Fatal("stale handle should not resolve after RemoveEndpoint")
	}
}

func TestRegistryStaleHandleAfterSlotReuse(t *testing.T) {
	var r Registry
	ep1 := &Endpoint{}
	tuple1 := FourTuple{LocalPort: 1}
	id1 := r.AddEndpoint(ep1, tuple1)
	r.RemoveEndpoint(id1)

	ep2 := &Endpoint{}
	tuple2 := FourTuple{LocalPort: 2}
	id2 := r.AddEndpoint(ep2, tuple2)

	if id1 == id2 {
		t.Fatal("a reused slot must bump its generation so the old handle differs")
	}
	if _, ok := r.LookupEndpointByID(id1); ok {
		t.Fatal("the old handle must not resolve to the slot's new occupant")
	}
	got, ok := r.LookupEndpointByID(id2)
	if !ok || got != ep2 {
		t.Fatal("the new handle should resolve to the new occupant")
	}
}

func TestRegistryListenerExactBeatsWildcard(t *testing.T) {
	var r Registry
	wildcard := &Listener{}
	exact := &Listener{}
	var specificAddr [16]byte
	specificAddr[15] = 7

	r.AddListener(wildcard, TwoTuple{LocalPort: 80})
	r.AddListener(exact, TwoTuple{LocalAddr: specificAddr, LocalPort: 80})

	got, ok := r.LookupListener(specificAddr, 80)
	if !ok || got != exact {
		t.Fatal("an exact-address listener should win over a wildcard listener on the same port")
	}

	var otherAddr [16]byte
	otherAddr[15] = 9
	got, ok = r.LookupListener(otherAddr, 80)
	if !ok || got != wildcard {
		t.Fatal("a wildcard listener should still match an address with no exact listener")
	}
}

func TestRegistryRemoveListener(t *testing.T) {
	var r Registry
	ln := &Listener{}
	tuple := TwoTuple{LocalPort: 443}
	id := r.AddListener(ln, tuple)

	r.RemoveListener(id)
	if _, ok := r.LookupListener(tuple.LocalAddr, tuple.LocalPort); ok {
		t.Fatal("listener should be gone after RemoveListener")
	}
}

func TestRegistryAllocateEphemeralPortSkipsInUse(t *testing.T) {
	var r Registry
	cfg := Config{EphemeralPortLow: 50000, EphemeralPortHigh: 50002}
	var addr [16]byte

	// Occupy every port but 50001: whatever pseudo-random offset the scan
	// starts from, wrapping around the whole range must still land there.
	r.AddEndpoint(&Endpoint{}, FourTuple{LocalAddr: addr, LocalPort: 50000})
	r.AddEndpoint(&Endpoint{}, FourTuple{LocalAddr: addr, LocalPort: 50002})

	port, err := r.AllocateEphemeralPort(cfg, addr)
	if err != nil {
		t.Fatalf("AllocateEphemeralPort: %v", err)
	}
	if port != 50001 {
		t.Fatalf("port = %d, want 50001 (the only port not already in use)", port)
	}
}

func TestRegistryAllocateEphemeralPortExhausted(t *testing.T) {
	var r Registry
	cfg := Config{EphemeralPortLow: 60000, EphemeralPortHigh: 60001}
	var addr [16]byte

	r.AddEndpoint(&Endpoint{}, FourTuple{LocalAddr: addr, LocalPort: 60000})
	r.AddEndpoint(&Endpoint{}, FourTuple{LocalAddr: addr, LocalPort: 60001})

	if _, err := r.AllocateEphemeralPort(cfg, addr); err == nil {
		t.Fatal("AllocateEphemeralPort should fail once the whole range is in use")
	}
}

func TestRegistryAllocateEphemeralPortDefaultsWhenUnconfigured(t *testing.T) {
	var r Registry
	var addr [16]byte
	port, err := r.AllocateEphemeralPort(Config{}, addr)
	if err != nil {
		t.Fatalf("AllocateEphemeralPort: %v", err)
	}
	if port < 49152 {
		t.Fatalf("port = %d, want within the IANA ephemeral range when cfg leaves it unconfigured", port)
	}
}

func TestDispatcherResolvesIDToEndpoint(t *testing.T) {
	var r Registry
	h := newFakeHost(time.Unix(1000, 0))
	ep, err := NewEndpoint(h, &r, DefaultConfig(), Callbacks{}, NewISSGenerator([]byte("s")))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	id := r.AddEndpoint(ep, FourTuple{LocalPort: 1, PeerPort: 2})

	d := Dispatcher{Reg: &r, Host: h}
	d.OnTimerFired(id) // must not panic now that the id resolves

	r.RemoveEndpoint(id)
	d.OnTimerFired(id) // stale id after removal must be a silent no-op
}
