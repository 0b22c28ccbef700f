package tcp

import "time"

// fakeHost is an in-memory Host for tests: no real network, a settable
// virtual clock, and captured outgoing datagrams instead of a radio driver.
type fakeHost struct {
	clock   *time.Time
	sent    *[]sentDatagram
	armed   *map[uint64]time.Time
	srcAddr [16]byte
}

type sentDatagram struct {
	src, dst [16]byte
	payload  []byte
}

func newFakeHost(now time.Time) fakeHost {
	clock := now
	sent := []sentDatagram{}
	armed := map[uint64]time.Time{}
	var h fakeHost
	h.clock = &clock
	h.sent = &sent
	h.armed = &armed
	h.srcAddr[15] = 1
	return h
}

func (h fakeHost) SendDatagram(src, dst [16]byte, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	*h.sent = append(*h.sent, sentDatagram{src: src, dst: dst, payload: cp})
	return nil
}

func (h fakeHost) SelectSourceAddress(dst [16]byte) ([16]byte, error) {
	return h.srcAddr, nil
}

func (h fakeHost) NewMessage(size int) []byte { return make([]byte, size) }
func (h fakeHost) FreeMessage([]byte)         {}

func (h fakeHost) Now() time.Time { return *h.clock }

func (h fakeHost) ArmTimer(id uint64, at time.Time)  { (*h.armed)[id] = at }
func (h fakeHost) CancelTimer(id uint64)             { delete(*h.armed, id) }

func (h fakeHost) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

func (h fakeHost) lastSent() (sentDatagram, bool) {
	if len(*h.sent) == 0 {
		return sentDatagram{}, false
	}
	return (*h.sent)[len(*h.sent)-1], true
}

func (h fakeHost) reset() { *h.sent = (*h.sent)[:0] }
