package internal

import (
	"encoding/binary"
	"log/slog"
)

// SlogAddr4 returns a slog.Attr for a 4-byte IPv4 address
// packed into a uint64 without allocating a string.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	u64Addr := uint64(binary.BigEndian.Uint32(addr[:]))
	return slog.Uint64(key, u64Addr)
}

// SlogAddr6 returns a slog.Attr for a 6-byte hardware (MAC) address
// packed into a uint64 without allocating a string.
func SlogAddr6(key string, addr *[6]byte) slog.Attr {
	var buf [8]byte
	copy(buf[2:], addr[:])
	u64Addr := binary.BigEndian.Uint64(buf[:])
	return slog.Uint64(key, u64Addr)
}

// SlogAddr16 returns a slog.Attr for a 16-byte IPv6 address, hex-encoded
// without colons or zero-compression. Unlike SlogAddr4/SlogAddr6 the value
// doesn't fit in a uint64, so unlike those this still allocates one small
// string per call; callers should guard it behind the logger's own
// enabled-level check rather than relying on this to be free.
func SlogAddr16(key string, addr *[16]byte) slog.Attr {
	const hexDigits = "0123456789abcdef"
	var buf [32]byte
	for i, b := range addr {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0xf]
	}
	return slog.String(key, string(buf[:]))
}
