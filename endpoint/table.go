package endpoint

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/frame"
)

// DefaultNamePrefix is the abstract-namespace prefix for channel
// endpoints; channel n listens on "@rethos/n".
const DefaultNamePrefix = "@rethos/"

// Event is something a channel endpoint reports to the dispatcher.
type Event interface {
	EventChannel() uint8
}

// Connected reports that a client was accepted on a channel.
type Connected struct {
	Channel uint8
}

// Inbound carries one complete message read from a connected client.
type Inbound struct {
	Channel uint8
	Payload []byte
}

// Disconnected reports that a channel's client went away and the
// endpoint is listening again.
type Disconnected struct {
	Channel uint8
}

func (c Connected) EventChannel() uint8    { return c.Channel }
func (i Inbound) EventChannel() uint8      { return i.Channel }
func (d Disconnected) EventChannel() uint8 { return d.Channel }

// slot is one channel's endpoint: either a listener waiting for a
// client or a single connected client, never both.
type slot struct {
	channel uint8

	mu       sync.Mutex
	listener net.Listener
	client   net.Conn
	closed   bool
}

// Table are the 256 channel endpoints. Accepting and reading happen on
// internal goroutines which report through the event channel; Deliver
// is called by the dispatcher.
type Table struct {
	prefix string
	events chan Event
	slots  [frame.NumChannels]slot
}

// NewTable creates the table and starts listening on every channel.
// prefix is prepended to the channel number to form the socket name;
// an empty prefix selects DefaultNamePrefix.
func NewTable(prefix string) (t *Table, err error) {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}

	t = &Table{
		prefix: prefix,
		events: make(chan Event),
	}

	for i := range t.slots {
		s := &t.slots[i]
		s.channel = uint8(i)

		if err = s.listen(t.prefix); err != nil {
			_ = t.Close()
			return nil, errors.Wrapf(err, "creating endpoint for channel %d", i)
		}

		go t.run(s)
	}

	return t, nil
}

// Events returns the channel carrying endpoint events.
func (t *Table) Events() <-chan Event {
	return t.events
}

// Connected reports whether a client is attached to the channel.
func (t *Table) Connected(channel uint8) bool {
	s := &t.slots[channel]

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Deliver writes payload as a length-prefixed message to the client
// connected on the channel. It reports false if no client is attached.
// A write error closes the client; the slot returns to listening.
func (t *Table) Deliver(channel uint8, payload []byte) bool {
	s := &t.slots[channel]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return false
	}

	if err := WriteMessage(s.client, payload); err != nil {
		log.WithFields(log.Fields{
			"channel": channel,
			"error":   err,
		}).Warn("Writing to client failed, dropping it")
		_ = s.client.Close()
		return false
	}
	return true
}

// Close shuts down every listener and client connection.
func (t *Table) Close() error {
	var result *multierror.Error

	for i := range t.slots {
		s := &t.slots[i]

		s.mu.Lock()
		s.closed = true
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.mu.Unlock()
	}

	return result.ErrorOrNil()
}

func (s *slot) name(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, s.channel)
}

// listen binds the slot's abstract unix socket.
func (s *slot) listen(prefix string) error {
	ln, err := net.Listen("unix", s.name(prefix))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// run is the slot's lifecycle: accept one client, stop listening, read
// its messages until it goes away, then listen again.
func (t *Table) run(s *slot) {
	logger := log.WithField("channel", s.channel)

	for {
		s.mu.Lock()
		ln := s.listener
		closed := s.closed
		s.mu.Unlock()

		if closed || ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed = s.closed
			s.mu.Unlock()

			if closed {
				return
			}
			logger.WithError(err).Error("Accepting on channel endpoint failed")
			return
		}

		// One client at a time: drop the listener while connected.
		_ = ln.Close()

		s.mu.Lock()
		s.listener = nil
		s.client = conn
		s.mu.Unlock()

		logger.Info("Accepted client process")
		t.events <- Connected{Channel: s.channel}

		t.readClient(s, conn, logger)

		s.mu.Lock()
		s.client = nil
		closed = s.closed
		var relistenErr error
		if !closed {
			relistenErr = func() error {
				ln, err := net.Listen("unix", s.name(t.prefix))
				if err != nil {
					return err
				}
				s.listener = ln
				return nil
			}()
		}
		s.mu.Unlock()

		if closed {
			return
		}
		if relistenErr != nil {
			logger.WithError(relistenErr).Error("Re-creating channel endpoint failed")
			return
		}

		logger.Info("Client process disconnected")
		t.events <- Disconnected{Channel: s.channel}
	}
}

// readClient pumps complete messages from conn into the event channel
// until the stream ends or turns bad.
func (t *Table) readClient(s *slot, conn net.Conn, logger *log.Entry) {
	defer conn.Close()

	for {
		payload, err := ReadMessage(conn, frame.MTU)
		switch {
		case err == nil:
			t.events <- Inbound{Channel: s.channel, Payload: payload}

		case errors.Is(err, ErrMessageTooBig):
			logger.Warn("Client message exceeds MTU, skipping it")

		case errors.Is(err, io.EOF):
			return

		default:
			logger.WithError(err).Warn("Reading from client failed, closing it")
			return
		}
	}
}
