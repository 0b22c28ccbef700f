package tcp

import "encoding/binary"

// OptionKind identifies a TCP option per RFC 9293 Section 3.1. Only the
// subset Section 6 negotiates is given named constants; everything else is
// skipped by ForEachOption without needing a name.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0 // end of option list
	OptNop            OptionKind = 1 // no-operation
	OptMaxSegmentSize OptionKind = 2 // maximum segment size
	OptWindowScale    OptionKind = 3 // window scale, RFC 7323
	OptSACKPermitted  OptionKind = 4 // SACK-permitted, RFC 2018
	OptSACK           OptionKind = 5 // SACK blocks, RFC 2018
	OptTimestamps     OptionKind = 8 // timestamps, RFC 7323
)

type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
)

func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool { return flags&ofTheseFlags != 0 }

// OptionCodec implements the kind-length-value walk/build shared by every
// option in the header's trailing bytes.
type OptionCodec struct {
	Flags OptionFlags
}

func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	switch {
	case len(dst) < putSize:
		return -1, errShortBuffer
	case putSize > 255:
		return -1, errInvalidLengthField
	case kind == OptNop || kind == OptEnd:
		return -1, errInvalidField
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// ForEachOption walks the kind-length-value options following a header's
// fixed fields, invoking fn with each option's kind and data. A malformed
// fixed-length option's size is validated against RFC 9293/7323/2018
// unless OptFlagSkipSizeValidation is set; NOPs are skipped silently and an
// EOL stops the walk early, both as RFC 9293 specifies.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	for off < len(opts) && opts[off] != byte(OptEnd) {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return errShortBuffer
		}
		size := int(opts[off]) // total option length, including kind and length bytes.
		off++
		dataLen := size - 2
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return errShortBuffer
		}
		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return errInvalidLengthField
			}
		}
		if err := fn(kind, opts[off:off+dataLen]); err != nil {
			return err
		}
		off += dataLen
	}
	return nil
}

// SACKBlock is one selective-acknowledgment range (RFC 2018): the octets
// [Left, Right) were received out of order and need not be retransmitted.
type SACKBlock struct {
	Left, Right Value
}

const maxSACKBlocks = 4

// Options holds the decoded contents of a segment's option field, the
// subset the control block negotiates at handshake time or reads from
// every subsequent segment.
type Options struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
	SACKPermitted  bool
	TSVal, TSEcr   uint32
	HasTimestamps  bool
	SACKBlocks     [maxSACKBlocks]SACKBlock
	NumSACKBlocks  int
}

// ParseOptions decodes every option in opts into an Options value. Unknown
// kinds and malformed lengths that ForEachOption's validation would reject
// are skipped rather than failing the segment outright, per RFC 9293's
// "ignore what you don't understand" guidance; only a truncated buffer is
// a hard error since it means the segment itself is malformed.
func ParseOptions(opts []byte) (Options, error) {
	var o Options
	collect := func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			if len(data) != 2 {
				break
			}
			o.MSS = binary.BigEndian.Uint16(data)
			o.HasMSS = true
		case OptWindowScale:
			if len(data) != 1 {
				break
			}
			o.WindowScale = data[0]
			o.HasWindowScale = true
		case OptSACKPermitted:
			if len(data) != 0 {
				break
			}
			o.SACKPermitted = true
		case OptTimestamps:
			if len(data) != 8 {
				break
			}
			o.TSVal = binary.BigEndian.Uint32(data[0:4])
			o.TSEcr = binary.BigEndian.Uint32(data[4:8])
			o.HasTimestamps = true
		case OptSACK:
			nblocks := len(data) / 8
			if nblocks > maxSACKBlocks {
				nblocks = maxSACKBlocks
			}
			for i := 0; i < nblocks; i++ {
				o.SACKBlocks[i] = SACKBlock{
					Left:  Value(binary.BigEndian.Uint32(data[i*8:])),
					Right: Value(binary.BigEndian.Uint32(data[i*8+4:])),
				}
			}
			o.NumSACKBlocks = nblocks
		}
		return nil
	}
	var codec OptionCodec
	if err := codec.ForEachOption(opts, collect); err != nil {
		if err != errInvalidLengthField {
			return o, err
		}
		// A fixed-length option carried the wrong size: re-walk
		// permissively so one bad option doesn't blind us to the rest.
		o = Options{}
		codec.Flags |= OptFlagSkipSizeValidation
		if err := codec.ForEachOption(opts, collect); err != nil {
			return o, err
		}
	}
	return o, nil
}

// OptionBuilder appends options into a caller-supplied buffer. Call Pad
// before reading Bytes so the block lands on a 4-byte boundary, since the
// wire data-offset field counts whole 32-bit words.
type OptionBuilder struct {
	buf   []byte
	codec OptionCodec
}

func NewOptionBuilder(buf []byte) *OptionBuilder { return &OptionBuilder{buf: buf[:0]} }

func (b *OptionBuilder) grow(n int) []byte {
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return b.buf[start:]
}

func (b *OptionBuilder) PutMSS(mss uint16) {
	n, _ := b.codec.PutOption16(b.grow(4), OptMaxSegmentSize, mss)
	b.buf = b.buf[:len(b.buf)-4+n]
}

// PutWindowScale appends the window-scale option followed by a NOP, the
// conventional pairing that keeps a following 2-byte-aligned option
// 4-byte aligned when window scale (3 bytes) is emitted first.
func (b *OptionBuilder) PutWindowScale(shift uint8) {
	n, _ := b.codec.PutOption(b.grow(3), OptWindowScale, shift)
	b.buf = b.buf[:len(b.buf)-3+n]
	b.buf = append(b.buf, byte(OptNop))
}

func (b *OptionBuilder) PutSACKPermitted() {
	n, _ := b.codec.PutOption(b.grow(2), OptSACKPermitted)
	b.buf = b.buf[:len(b.buf)-2+n]
}

func (b *OptionBuilder) PutTimestamps(tsval, tsecr uint32) {
	var data [8]byte
	binary.BigEndian.PutUint32(data[0:4], tsval)
	binary.BigEndian.PutUint32(data[4:8], tsecr)
	n, _ := b.codec.PutOption(b.grow(10), OptTimestamps, data[:]...)
	b.buf = b.buf[:len(b.buf)-10+n]
}

func (b *OptionBuilder) PutSACK(blocks []SACKBlock) {
	if len(blocks) == 0 {
		return
	}
	if len(blocks) > maxSACKBlocks {
		blocks = blocks[:maxSACKBlocks]
	}
	data := make([]byte, 8*len(blocks))
	for i, blk := range blocks {
		binary.BigEndian.PutUint32(data[i*8:], uint32(blk.Left))
		binary.BigEndian.PutUint32(data[i*8+4:], uint32(blk.Right))
	}
	size := 2 + len(data)
	n, _ := b.codec.PutOption(b.grow(size), OptSACK, data...)
	b.buf = b.buf[:len(b.buf)-size+n]
}

// Pad rounds the option block up to a multiple of 4 bytes using NOPs and
// returns the final encoded length.
func (b *OptionBuilder) Pad() int {
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, byte(OptNop))
	}
	return len(b.buf)
}

func (b *OptionBuilder) Bytes() []byte { return b.buf }
