package tcp

import (
	"encoding/binary"
	"fmt"
)

const sizeHeaderTCP = 20

// NewFrame wraps buf as a Frame. buf must be at least the fixed 20-byte
// header; call ValidateSize before reading Options or Payload to avoid a
// slice-bounds panic on a header claiming more space than buf holds.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, errShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a thin accessor over a wire-format TCP segment (RFC 9293
// Section 3.1). It never copies; every getter/setter reads or writes
// through to the backing buffer supplied to NewFrame.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the frame was built from.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

// Seq returns the sequence number of the first data octet in this segment,
// or the ISN if SYN is set (the first data octet is then ISN+1).
func (f Frame) Seq() Value { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(f.buf[4:8], uint32(v))
}

// Ack is the next sequence number the sender expects, meaningful only
// when the ACK flag is set.
func (f Frame) Ack() Value { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(f.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the data offset (header length in 32-bit words)
// and control bits packed into the 13th/14th header octets.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, including options, as
// encoded in the data offset field. Performs no validation.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }

func (f Frame) CRC() uint16        { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(crc uint16)  { binary.BigEndian.PutUint16(f.buf[16:18], crc) }
func (f Frame) UrgentPtr() uint16  { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(u uint16) {
	binary.BigEndian.PutUint16(f.buf[18:20], u)
}

// Options returns the option bytes between the fixed header and the
// payload. Call ValidateSize first to avoid a panic on a corrupt offset.
func (f Frame) Options() []byte { return f.buf[sizeHeaderTCP:f.HeaderLength()] }

// Payload returns the segment data following the header and options.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Segment decodes the sequence-space view of the frame, given the
// already-known payload length (computed from the enclosing IPv6 payload
// length, not re-derived here).
func (f Frame) Segment(payloadLen int) Segment {
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     Size(f.WindowSize()),
		DATALEN: Size(payloadLen),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence, ack, flags, and window fields. offset
// is the header length in 32-bit words (minimum 5, i.e. no options).
func (f Frame) SetSegment(seg Segment, offset uint8) {
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros the fixed 20-byte header, leaving options untouched.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeaderTCP] {
		f.buf[i] = 0
	}
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.String())
}

func (seg Segment) String() string {
	return fmt.Sprintf("[SEQ=%s ACK=%s LEN=%d WND=%d %s]", seg.SEQ, seg.ACK, seg.LEN(), seg.WND, seg.Flags)
}

// ValidateSize reports a malformed header length: an offset below the
// minimum 20-byte header, or one that claims more space than buf holds.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < sizeHeaderTCP || off > len(f.buf) {
		return errInvalidLengthField
	}
	return nil
}

// Validate runs ValidateSize and rejects a zero source or destination
// port, the minimal well-formedness check RFC 9293 Section 3.1 implies
// before a segment is handed to the state machine.
func (f Frame) Validate() error {
	if err := f.ValidateSize(); err != nil {
		return err
	}
	if f.SourcePort() == 0 || f.DestinationPort() == 0 {
		return errInvalidField
	}
	return nil
}
