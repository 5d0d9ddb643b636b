package link

import (
	"bytes"
	"io"
	"testing"

	"github.com/rethos/rethos-go/frame"
)

type fakeTimer struct {
	armed    int
	canceled int
	pending  bool
}

func (t *fakeTimer) Arm() {
	t.armed++
	t.pending = true
}

func (t *fakeTimer) Cancel() {
	t.canceled++
	t.pending = false
}

// decodeWire parses every frame from raw wire bytes.
func decodeWire(t *testing.T, wire []byte) (frames []frame.Frame) {
	t.Helper()

	r := frame.NewReceiver()
	for _, b := range wire {
		switch ev := r.Feed(b); ev {
		case frame.FrameReady:
			f := r.Frame()
			f.Payload = append([]byte(nil), f.Payload...)
			frames = append(frames, f)

		case frame.FrameDropped:
			t.Fatal("link emitted a corrupt frame")
		}
	}
	return
}

func TestStopAndWait(t *testing.T) {
	var wire bytes.Buffer
	timer := new(fakeTimer)
	l := New(&wire, timer)

	if !l.Acked() {
		t.Fatal("fresh link must have an acked retransmit slot")
	}

	if err := l.SendData(4, []byte{0x01, 0xBE, 0x02}); err != nil {
		t.Fatal(err)
	}

	frames := decodeWire(t, wire.Bytes())
	if len(frames) != 1 || frames[0].Type != frame.Data || frames[0].Seqno != 1 {
		t.Fatalf("got %v, expected one DATA frame with seqno 1", frames)
	}
	if l.Acked() {
		t.Error("retransmit slot is acked right after sending")
	}
	if timer.armed != 1 {
		t.Errorf("rexmit timer armed %d times, expected 1", timer.armed)
	}

	// Matching ACK clears the slot and cancels the timer.
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Ack, Seqno: 1, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	if !l.Acked() {
		t.Error("retransmit slot still unacked after matching ACK")
	}
	if timer.canceled != 1 {
		t.Errorf("rexmit timer canceled %d times, expected 1", timer.canceled)
	}

	// The next DATA frame uses the next sequence number.
	wire.Reset()
	if err := l.SendData(9, []byte("next")); err != nil {
		t.Fatal(err)
	}
	frames = decodeWire(t, wire.Bytes())
	if len(frames) != 1 || frames[0].Seqno != 2 {
		t.Fatalf("got %v, expected seqno 2", frames)
	}
}

func TestAckUnknownSeqnoIgnored(t *testing.T) {
	var wire bytes.Buffer
	timer := new(fakeTimer)
	l := New(&wire, timer)

	if err := l.SendData(4, []byte("data")); err != nil {
		t.Fatal(err)
	}

	if _, err := l.HandleFrame(frame.Frame{Type: frame.Ack, Seqno: 23, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	if l.Acked() {
		t.Error("ACK for a foreign seqno cleared the retransmit slot")
	}
	if timer.canceled != 0 {
		t.Error("ACK for a foreign seqno canceled the rexmit timer")
	}
}

func TestRetransmitOnTimeout(t *testing.T) {
	var wire bytes.Buffer
	timer := new(fakeTimer)
	l := New(&wire, timer)

	if err := l.SendData(7, []byte{0xDE, 0xAD, frame.Esc}); err != nil {
		t.Fatal(err)
	}
	first := append([]byte(nil), wire.Bytes()...)

	// Deadline passes, no ACK: the identical image goes out again.
	wire.Reset()
	if err := l.Retransmit(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire.Bytes(), first) {
		t.Errorf("retransmission differs from original: % x != % x", wire.Bytes(), first)
	}

	// A late ACK stops further retransmissions.
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Ack, Seqno: 1, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	wire.Reset()
	if err := l.Retransmit(); err != nil {
		t.Fatal(err)
	}
	if wire.Len() != 0 {
		t.Error("retransmission happened after the frame was acked")
	}
}

func TestNackWhileUnacked(t *testing.T) {
	var wire bytes.Buffer
	l := New(&wire, new(fakeTimer))

	if err := l.SendData(4, []byte("retry me")); err != nil {
		t.Fatal(err)
	}
	sent := append([]byte(nil), wire.Bytes()...)

	wire.Reset()
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Nack, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire.Bytes(), sent) {
		t.Error("NACK while unacked did not retransmit the stored frame")
	}
}

func TestNackWhileAcked(t *testing.T) {
	var wire bytes.Buffer
	l := New(&wire, new(fakeTimer))

	// Nothing ever received: the NACK is ignored outright.
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Nack, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	if wire.Len() != 0 {
		t.Errorf("NACK before any traffic produced output: % x", wire.Bytes())
	}

	// After a received DATA frame, a stray NACK is answered with an
	// ACK of the last received seqno, never with another NACK.
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 5, Channel: 4, Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	wire.Reset()

	if _, err := l.HandleFrame(frame.Frame{Type: frame.Nack, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}

	frames := decodeWire(t, wire.Bytes())
	if len(frames) != 1 || frames[0].Type != frame.Ack || frames[0].Seqno != 5 {
		t.Fatalf("got %v, expected a single ACK of seqno 5", frames)
	}
	for _, f := range frames {
		if f.Type == frame.Nack {
			t.Error("link answered a NACK with a NACK")
		}
	}
}

func TestDuplicateSuppression(t *testing.T) {
	var wire bytes.Buffer
	l := New(&wire, new(fakeTimer))

	in := frame.Frame{Type: frame.Data, Seqno: 10, Channel: 4, Payload: []byte{0x01, 0xBE, 0x02}}

	res, err := l.HandleFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deliver || res.Duplicate {
		t.Errorf("first copy: %+v, expected delivery", res)
	}

	res, err = l.HandleFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deliver || !res.Duplicate {
		t.Errorf("second copy: %+v, expected duplicate drop", res)
	}

	// Both copies must have been acknowledged with the same seqno.
	frames := decodeWire(t, wire.Bytes())
	if len(frames) != 2 {
		t.Fatalf("got %d frames on the wire, expected 2 ACKs", len(frames))
	}
	for _, f := range frames {
		if f.Type != frame.Ack || f.Seqno != 10 {
			t.Errorf("got %v, expected ACK of seqno 10", f)
		}
	}
}

func TestLossAccounting(t *testing.T) {
	l := New(io.Discard, new(fakeTimer))

	// The very first frame is measured against the initial counter.
	res, err := l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 10, Channel: 4, Payload: []byte{1}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Lost != 9 {
		t.Errorf("first frame: %d lost, expected 9", res.Lost)
	}

	// Skipping seqno 11 loses exactly one frame.
	res, err = l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 12, Channel: 4, Payload: []byte{2}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deliver || res.Lost != 1 {
		t.Errorf("after gap: %+v, expected delivery with 1 lost", res)
	}

	// Contiguous delivery loses nothing, also across the u16 wrap.
	l.lastRcvdSeqno = 0xFFFF
	res, err = l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 0, Channel: 4, Payload: []byte{3}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Lost != 0 {
		t.Errorf("wraparound: %d lost, expected 0", res.Lost)
	}
}

func TestEmptyPayloadNotDelivered(t *testing.T) {
	var wire bytes.Buffer
	l := New(&wire, new(fakeTimer))

	res, err := l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 1, Channel: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deliver {
		t.Error("empty payload was marked for delivery")
	}

	// It still counts: the seqno advanced, so a repeat is a duplicate.
	res, err = l.HandleFrame(frame.Frame{Type: frame.Data, Seqno: 1, Channel: 4})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Error("empty frame did not update the received seqno")
	}

	frames := decodeWire(t, wire.Bytes())
	if len(frames) != 2 || frames[0].Type != frame.Ack || frames[1].Type != frame.Ack {
		t.Errorf("got %v, expected two ACKs", frames)
	}
}

func TestSeqnoWraparound(t *testing.T) {
	timer := new(fakeTimer)
	l := New(io.Discard, timer)

	for i := 0; i < 0x10000; i++ {
		if err := l.SendData(4, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// 65536 pre-increments wrap the counter back to 0.
	if l.LastSent() != 0 {
		t.Errorf("seqno after wraparound is %d, expected 0", l.LastSent())
	}

	// An ACK of seqno 0 is a normal acknowledgment.
	if _, err := l.HandleFrame(frame.Frame{Type: frame.Ack, Seqno: 0, Channel: frame.ControlChannel}); err != nil {
		t.Fatal(err)
	}
	if !l.Acked() {
		t.Error("ACK of seqno 0 was not accepted after wraparound")
	}
}

func TestHandleDroppedSendsNack(t *testing.T) {
	var wire bytes.Buffer
	l := New(&wire, new(fakeTimer))

	if err := l.HandleDropped(); err != nil {
		t.Fatal(err)
	}

	frames := decodeWire(t, wire.Bytes())
	if len(frames) != 1 || frames[0].Type != frame.Nack || frames[0].Seqno != 0 {
		t.Fatalf("got %v, expected a single NACK with seqno 0", frames)
	}
}
