package tcp

import "testing"

func TestSendQueueAppendAndSend(t *testing.T) {
	var q SendQueue
	q.Reset(1000)

	buf := &LinkedBuffer{Data: []byte("hello world")}
	q.Append(buf)
	if got := q.Buffered(); got != 11 {
		t.Fatalf("Buffered = %d, want 11", got)
	}
	if got := q.Unsent(); got != 11 {
		t.Fatalf("Unsent before send = %d, want 11", got)
	}

	chunk := q.PeekSendable(5)
	if string(chunk) != "hello" {
		t.Fatalf("PeekSendable(5) = %q, want hello", chunk)
	}
	q.MarkSent(5)
	if got := q.Unsent(); got != 6 {
		t.Fatalf("Unsent after sending 5 = %d, want 6", got)
	}
	if got := q.NXT(); got != 1005 {
		t.Fatalf("NXT = %d, want 1005", got)
	}
}

func TestSendQueueAckAdvanceAcrossLinks(t *testing.T) {
	var q SendQueue
	q.Reset(0)

	a := &LinkedBuffer{Data: []byte("aaaaa")} // seq 0-4
	b := &LinkedBuffer{Data: []byte("bbbbb")} // seq 5-9
	q.Append(a)
	q.Append(b)
	q.MarkSent(10)

	var doneBufs []*LinkedBuffer
	var ackedTotal Size
	q.AckAdvance(5, func(l *LinkedBuffer) { doneBufs = append(doneBufs, l) }, func(n Size) { ackedTotal += n })

	if ackedTotal != 5 {
		t.Fatalf("acked callback total = %d, want 5", ackedTotal)
	}
	if len(doneBufs) != 1 || doneBufs[0] != a {
		t.Fatalf("expected exactly buffer a reported done, got %v", doneBufs)
	}
	if got := q.UNA(); got != 5 {
		t.Fatalf("UNA after partial ack = %d, want 5", got)
	}
	if got := q.Buffered(); got != 5 {
		t.Fatalf("Buffered after partial ack = %d, want 5", got)
	}

	doneBufs = nil
	q.AckAdvance(10, func(l *LinkedBuffer) { doneBufs = append(doneBufs, l) }, nil)
	if len(doneBufs) != 1 || doneBufs[0] != b {
		t.Fatalf("expected buffer b reported done, got %v", doneBufs)
	}
	if got := q.Buffered(); got != 0 {
		t.Fatalf("Buffered after full ack = %d, want 0", got)
	}
}

func TestSendQueueAckAdvanceCoversFIN(t *testing.T) {
	var q SendQueue
	q.Reset(0)

	a := &LinkedBuffer{Data: []byte("aaaaa")} // seq 0-4
	q.Append(a)
	q.MarkSent(5)

	var doneBufs []*LinkedBuffer
	var ackedTotal Size
	// newUNA = 6: one past the last queued byte, covering the FIN's own
	// sequence number rather than any queued data.
	q.AckAdvance(6, func(l *LinkedBuffer) { doneBufs = append(doneBufs, l) }, func(n Size) { ackedTotal += n })

	if ackedTotal != 5 {
		t.Fatalf("acked callback total = %d, want 5 (FIN's octet excluded)", ackedTotal)
	}
	if len(doneBufs) != 1 || doneBufs[0] != a {
		t.Fatalf("expected buffer a reported done on an ACK covering the FIN, got %v", doneBufs)
	}
	if got := q.UNA(); got != 6 {
		t.Fatalf("UNA after FIN ack = %d, want 6", got)
	}
	if got := q.Buffered(); got != 0 {
		t.Fatalf("Buffered after FIN ack = %d, want 0", got)
	}
}

func TestSendQueueDrainAll(t *testing.T) {
	var q SendQueue
	q.Reset(0)

	a := &LinkedBuffer{Data: []byte("aaaaa")}
	b := &LinkedBuffer{Data: []byte("bbbbb")}
	q.Append(a)
	q.Append(b)
	q.MarkSent(7) // a fully sent, b partially: DrainAll must not care.

	var doneBufs []*LinkedBuffer
	q.DrainAll(func(l *LinkedBuffer) { doneBufs = append(doneBufs, l) })

	if len(doneBufs) != 2 || doneBufs[0] != a || doneBufs[1] != b {
		t.Fatalf("expected both buffers drained in order, got %v", doneBufs)
	}
	if got := q.Buffered(); got != 0 {
		t.Fatalf("Buffered after DrainAll = %d, want 0", got)
	}
	if got := q.Unsent(); got != 0 {
		t.Fatalf("Unsent after DrainAll = %d, want 0", got)
	}
}

func TestSendQueueDrainAllEmptyIsNoop(t *testing.T) {
	var q SendQueue
	q.Reset(0)
	called := false
	q.DrainAll(func(l *LinkedBuffer) { called = true })
	if called {
		t.Fatal("DrainAll on an empty queue must not invoke done")
	}
}

func TestSendQueueExtendLast(t *testing.T) {
	var q SendQueue
	q.Reset(0)

	backing := make([]byte, 5, 10)
	copy(backing, "hello")
	buf := &LinkedBuffer{Data: backing}
	q.Append(buf)
	if got := q.Buffered(); got != 5 {
		t.Fatalf("Buffered = %d, want 5", got)
	}

	copy(buf.Data[:cap(buf.Data)][5:10], " more")
	if err := q.ExtendLast(5); err != nil {
		t.Fatalf("ExtendLast: %v", err)
	}
	if got := q.Buffered(); got != 10 {
		t.Fatalf("Buffered after extend = %d, want 10", got)
	}
	if string(buf.Data) != "hello more" {
		t.Fatalf("buf.Data after extend = %q, want %q", buf.Data, "hello more")
	}
}

func TestSendQueueExtendLastEmptyFails(t *testing.T) {
	var q SendQueue
	q.Reset(0)
	if err := q.ExtendLast(1); err == nil {
		t.Fatal("ExtendLast on an empty queue should fail")
	}
}

func TestSendQueueContiguify(t *testing.T) {
	var q SendQueue
	q.Reset(0)
	q.Append(&LinkedBuffer{Data: []byte("foo")})
	q.Append(&LinkedBuffer{Data: []byte("bar")})

	dst := make([]byte, 6)
	n := q.Contiguify(dst)
	if n != 6 || string(dst) != "foobar" {
		t.Fatalf("Contiguify = %q (%d), want foobar (6)", dst[:n], n)
	}

	short := make([]byte, 4)
	n = q.Contiguify(short)
	if n != 4 || string(short) != "foob" {
		t.Fatalf("Contiguify into short dst = %q (%d), want foob (4)", short[:n], n)
	}
}
