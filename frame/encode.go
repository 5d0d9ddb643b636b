package frame

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

var (
	escEsc     = []byte{Esc, LiteralEsc}
	startFrame = []byte{Esc, FrameStart}
	endFrame   = []byte{Esc, FrameEnd}
)

// appendEscaped appends p to buf, replacing every literal Esc byte with
// the Esc+LiteralEsc sequence.
func appendEscaped(buf *bytes.Buffer, p []byte) {
	for _, b := range p {
		if b == Esc {
			buf.Write(escEsc)
		} else {
			buf.WriteByte(b)
		}
	}
}

// Encode serializes f into its exact wire representation: start
// delimiter, escaped header and payload, end delimiter, escaped
// little-endian Fletcher-16 checksum.
func Encode(f Frame) []byte {
	header := []byte{
		byte(f.Type),
		byte(f.Seqno & 0xFF),
		byte(f.Seqno >> 8),
		f.Channel,
	}

	cksum := NewFletcher16()
	_, _ = cksum.Write(header)
	_, _ = cksum.Write(f.Payload)
	sum := cksum.Sum16()

	var buf bytes.Buffer
	buf.Grow(len(f.Payload) + 16)

	buf.Write(startFrame)
	appendEscaped(&buf, header)
	appendEscaped(&buf, f.Payload)
	buf.Write(endFrame)
	appendEscaped(&buf, []byte{byte(sum & 0xFF), byte(sum >> 8)})

	return buf.Bytes()
}

// Encoder writes frames to an underlying stream, typically the serial
// port. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame encodes f and writes it out completely.
func (e *Encoder) WriteFrame(f Frame) error {
	if len(f.Payload) > MTU {
		return errors.Errorf("payload of %d bytes exceeds MTU", len(f.Payload))
	}

	wire := Encode(f)
	for len(wire) > 0 {
		n, err := e.w.Write(wire)
		if err != nil {
			return errors.Wrap(err, "writing frame")
		}
		wire = wire[n:]
	}

	return nil
}
