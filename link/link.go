// Package link implements the stop-and-wait ARQ engine on top of the
// frame codec: sequence numbers, the single retransmit slot, ACK/NACK
// handling, duplicate suppression and loss detection.
package link

import (
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/frame"
)

// RexmitTimer controls the retransmission deadline. Arm (re)starts the
// timer, Cancel clears a pending one. Both are only ever called from
// the goroutine driving the Link.
type RexmitTimer interface {
	Arm()
	Cancel()
}

// Inbound is the delivery decision for one received frame.
type Inbound struct {
	// Deliver reports whether the payload goes to the channel's
	// consumers. Control frames, duplicates and empty payloads are not
	// delivered.
	Deliver bool

	// Duplicate is set when the frame repeated the previous sequence
	// number and was discarded.
	Duplicate bool

	// Lost is the number of frames that went missing before this one,
	// judged by the sequence number gap.
	Lost uint16
}

type rexmitSlot struct {
	seqno   uint16
	channel uint8
	payload [frame.MTU]byte
	n       int
	acked   bool
}

// Link is the ARQ engine for one serial line. It is not safe for
// concurrent use; the dispatcher is its only caller.
type Link struct {
	enc    *frame.Encoder
	rexmit RexmitTimer

	outSeqno uint16
	slot     rexmitSlot

	receivedData  bool
	lastRcvdSeqno uint16
}

// New creates a Link emitting frames to w. The retransmit slot starts
// out acked, so a spurious timer tick retransmits nothing.
func New(w io.Writer, rexmit RexmitTimer) *Link {
	l := &Link{
		enc:    frame.NewEncoder(w),
		rexmit: rexmit,
	}
	l.slot.acked = true
	return l
}

// SendData transmits payload as a DATA frame on the given channel. The
// frame is stored in the retransmit slot and the retransmit timer is
// armed, replacing any earlier deadline.
func (l *Link) SendData(channel uint8, payload []byte) error {
	l.outSeqno++
	seqno := l.outSeqno

	l.slot.seqno = seqno
	l.slot.channel = channel
	l.slot.n = copy(l.slot.payload[:], payload)
	l.slot.acked = false

	if err := l.enc.WriteFrame(frame.Frame{
		Type:    frame.Data,
		Seqno:   seqno,
		Channel: channel,
		Payload: payload,
	}); err != nil {
		return err
	}

	l.rexmit.Arm()
	return nil
}

// Retransmit resends the retransmit slot if it is still unacked. Called
// on the retransmit deadline and on an inbound NACK.
func (l *Link) Retransmit() error {
	if l.slot.acked {
		return nil
	}

	return l.enc.WriteFrame(frame.Frame{
		Type:    frame.Data,
		Seqno:   l.slot.seqno,
		Channel: l.slot.channel,
		Payload: l.slot.payload[:l.slot.n],
	})
}

func (l *Link) sendAck(seqno uint16) error {
	return l.enc.WriteFrame(frame.Frame{
		Type:    frame.Ack,
		Seqno:   seqno,
		Channel: frame.ControlChannel,
	})
}

func (l *Link) sendNack() error {
	return l.enc.WriteFrame(frame.Frame{
		Type:    frame.Nack,
		Seqno:   0,
		Channel: frame.ControlChannel,
	})
}

// HandleDropped reacts to a corrupt frame reported by the receiver by
// sending a NACK. Counting the bad frame is the caller's job.
func (l *Link) HandleDropped() error {
	return l.sendNack()
}

// HandleFrame processes one valid inbound frame and returns the
// delivery decision for its payload.
func (l *Link) HandleFrame(f frame.Frame) (Inbound, error) {
	if f.Channel == frame.ControlChannel {
		return Inbound{}, l.handleControl(f)
	}

	// Data-bearing channel: acknowledge first, always.
	if err := l.sendAck(f.Seqno); err != nil {
		return Inbound{}, err
	}

	if l.receivedData && f.Seqno == l.lastRcvdSeqno {
		log.WithField("channel", f.Channel).Debug("Got a duplicate frame")
		return Inbound{Duplicate: true}, nil
	}

	lost := f.Seqno - l.lastRcvdSeqno - 1
	l.receivedData = true
	l.lastRcvdSeqno = f.Seqno

	return Inbound{
		Deliver: len(f.Payload) > 0,
		Lost:    lost,
	}, nil
}

func (l *Link) handleControl(f frame.Frame) error {
	switch f.Type {
	case frame.Nack:
		if l.slot.acked {
			// A NACK with nothing in flight means one of our control
			// frames got mangled. Answering with another NACK could
			// start a NACK storm, so re-ACK the last frame instead.
			if l.receivedData {
				return l.sendAck(l.lastRcvdSeqno)
			}
			return nil
		}
		return l.Retransmit()

	case frame.Ack:
		if f.Seqno == l.slot.seqno {
			l.slot.acked = true
			l.rexmit.Cancel()
		}
		return nil

	default:
		log.WithField("type", f.Type).Info("Got unexpected frame on control channel")
		return nil
	}
}

// Acked reports whether the retransmit slot is empty, i.e. no DATA
// frame is waiting for an acknowledgment.
func (l *Link) Acked() bool {
	return l.slot.acked
}

// LastSent returns the sequence number of the most recent DATA frame.
func (l *Link) LastSent() uint16 {
	return l.outSeqno
}
