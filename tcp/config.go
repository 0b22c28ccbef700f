package tcp

import "time"

// Config enumerates the tunables of Section 6. A zero Config is not valid;
// use DefaultConfig and override individual fields.
type Config struct {
	// ReceiveBufferSize is the capacity, in bytes, of the per-endpoint
	// receive ring. Must be >= DefaultMSS+1.
	ReceiveBufferSize int
	// DefaultMSS is offered in the MSS option when none is negotiated yet.
	// Defaults to 1220, the largest segment that fits unfragmented in the
	// IPv6 minimum MTU of 1280 bytes (1280 - 40 IPv6 header - 20 TCP header).
	DefaultMSS int
	// WindowScaleShift is advertised in the window-scale option, 0..14.
	WindowScaleShift uint8
	EnableTimestamps bool
	EnableSACK       bool
	// TCPFastOpenDefault selects whether Connect defers the SYN until the
	// first SendByReference, rather than opening the handshake immediately.
	TCPFastOpenDefault bool

	// MSL is the maximum segment lifetime; TIME-WAIT lasts 2*MSL.
	MSL time.Duration

	KeepaliveIdle         time.Duration
	KeepaliveProbeInterval time.Duration
	KeepaliveProbeCount   int

	// RTOMin/RTOMax bound the Jacobson/Karels retransmission timeout.
	RTOMin time.Duration
	RTOMax time.Duration
	// MaxRetransmits bounds the retransmit backoff count before the
	// connection is abandoned with ReasonTimedOut.
	MaxRetransmits int

	// EphemeralPortLow/EphemeralPortHigh bound the local port Connect picks
	// for a connection that was not explicitly Bind-ed to one. Zero selects
	// the IANA ephemeral range (RFC 6335), 49152-65535.
	EphemeralPortLow  uint16
	EphemeralPortHigh uint16
}

// DefaultConfig returns the engine's documented default tunables.
func DefaultConfig() Config {
	return Config{
		ReceiveBufferSize:      8192,
		DefaultMSS:             1220,
		WindowScaleShift:       7,
		EnableTimestamps:       true,
		EnableSACK:             true,
		TCPFastOpenDefault:     true,
		MSL:                    30 * time.Second,
		KeepaliveIdle:          2 * time.Hour,
		KeepaliveProbeInterval: 75 * time.Second,
		KeepaliveProbeCount:    9,
		RTOMin:                 1 * time.Second,
		RTOMax:                 64 * time.Second,
		MaxRetransmits:         12,
		EphemeralPortLow:       49152,
		EphemeralPortHigh:      65535,
	}
}

func (c Config) validate() error {
	if c.ReceiveBufferSize < c.DefaultMSS+1 {
		return apiErr("Configure", ErrInvalidArgs, errShortBuffer)
	}
	if c.WindowScaleShift > 14 {
		return apiErr("Configure", ErrInvalidArgs, errWindowTooLarge)
	}
	return nil
}
