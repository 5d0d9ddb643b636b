// Package endpoint manages the per-channel local client endpoints: 256
// abstract-namespace unix sockets, each accepting a single client, and
// the length-prefixed message protocol spoken on them.
package endpoint

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrMessageTooBig is returned by ReadMessage for an oversize message.
// The message's bytes have been drained, so the stream stays aligned
// and the next ReadMessage starts at a message boundary.
var ErrMessageTooBig = errors.New("message exceeds maximum size")

// WriteMessage writes payload as one message: a 4-byte big-endian
// length followed by the payload bytes.
func WriteMessage(w io.Writer, payload []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(payload)))

	if _, err := w.Write(size[:]); err != nil {
		return errors.Wrap(err, "writing message size")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing message payload")
	}
	return nil
}

// ReadMessage reads one length-prefixed message of at most max bytes.
// A clean end of stream before the length prefix yields io.EOF; a
// stream cut mid-message yields io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader, max int) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(size[:])
	if n > uint32(max) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, errors.Wrap(err, "draining oversize message")
		}
		return nil, ErrMessageTooBig
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
