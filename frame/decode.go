package frame

import (
	log "github.com/sirupsen/logrus"
)

// Event is the outcome of feeding one byte into a Receiver.
type Event int

const (
	// None: the byte was consumed, no frame finished.
	None Event = iota
	// FrameReady: a checksum-valid frame is available via Frame.
	FrameReady
	// FrameDropped: an in-progress frame was corrupt. The link layer
	// must answer with a NACK.
	FrameDropped
)

func (e Event) String() string {
	switch e {
	case None:
		return "None"
	case FrameReady:
		return "FrameReady"
	case FrameDropped:
		return "FrameDropped"
	default:
		return "unknown"
	}
}

type receiverState int

const (
	waitFrameStart receiverState = iota
	waitFrameType
	waitSeqnoLo
	waitSeqnoHi
	waitChannel
	inFrame
	waitChecksumLo
	waitChecksumHi
)

// Receiver is the byte-wise decoder for serial frames. Feed it one byte
// at a time; whenever it returns FrameReady, Frame holds the decoded
// frame until the next call.
type Receiver struct {
	state    receiverState
	inEscape bool

	cksum    Fletcher16
	checksum uint16

	frameType Type
	seqno     uint16
	channel   uint8
	payload   []byte
}

// NewReceiver creates a Receiver waiting for a start-of-frame sequence.
func NewReceiver() *Receiver {
	return &Receiver{
		payload: make([]byte, 0, MTU),
	}
}

// Frame returns the last decoded frame. Its payload aliases an internal
// buffer and is only valid until the next Feed call.
func (r *Receiver) Frame() Frame {
	return Frame{
		Type:    r.frameType,
		Seqno:   r.seqno,
		Channel: r.channel,
		Payload: r.payload,
	}
}

// Feed consumes a single wire byte and advances the state machine.
func (r *Receiver) Feed(c byte) Event {
	if c == Esc {
		r.inEscape = true
		return None
	}

	if r.inEscape {
		r.inEscape = false

		switch c {
		case LiteralEsc:
			c = Esc

		case FrameStart:
			// A start sequence always wins: drop whatever was in
			// progress and begin a fresh frame. No FrameDropped is
			// reported for the abandoned one, so no NACK is sent.
			if r.state != waitFrameStart {
				log.Debug("Got unexpected start-of-frame sequence: dropping current frame")
			}
			r.cksum.Reset()
			r.state = waitFrameType
			return None

		case FrameEnd:
			if r.state != inFrame {
				log.Debug("Got unexpected end-of-frame sequence: dropping current frame")
				return r.corrupt()
			}
			r.state = waitChecksumLo
			return None

		default:
			log.WithField("byte", c).Debug("Got unexpected escape sequence: dropping current frame")
			return r.corrupt()
		}
	}

	switch r.state {
	case waitFrameStart:
		log.WithField("byte", c).Debug("Got stray byte outside of frame")

	case waitFrameType:
		r.frameType = Type(c)
		r.state = waitSeqnoLo

	case waitSeqnoLo:
		r.seqno = uint16(c)
		r.state = waitSeqnoHi

	case waitSeqnoHi:
		r.seqno |= uint16(c) << 8
		r.state = waitChannel

	case waitChannel:
		r.channel = c
		r.state = inFrame
		r.payload = r.payload[:0]

	case inFrame:
		if len(r.payload) >= MTU {
			log.Debug("Dropping runaway frame")
			return r.corrupt()
		}
		r.payload = append(r.payload, c)

	case waitChecksumLo:
		r.checksum = uint16(c)
		r.state = waitChecksumHi
		return None

	case waitChecksumHi:
		r.checksum |= uint16(c) << 8

		r.state = waitFrameStart
		if r.checksum != r.cksum.Sum16() {
			return FrameDropped
		}
		return FrameReady
	}

	_ = r.cksum.WriteByte(c)
	return None
}

func (r *Receiver) corrupt() Event {
	r.state = waitFrameStart
	return FrameDropped
}
