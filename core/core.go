// Package core wires the serial link, the tunnel interface, standard
// input and the channel endpoints together: the dispatcher goroutine
// that owns all link state and statistics.
package core

import (
	"io"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/endpoint"
	"github.com/rethos/rethos-go/frame"
	"github.com/rethos/rethos-go/link"
	"github.com/rethos/rethos-go/stats"
)

// Config assembles a Core's collaborators. Serial is the only
// mandatory descriptor.
type Config struct {
	// Serial is the opened serial line to the MCU.
	Serial io.ReadWriteCloser

	// Tunnel is the TUN interface, nil when no prefix was configured.
	Tunnel io.ReadWriteCloser

	// MCUAddr is the MCU's IPv6 address announced on the command
	// channel. nil announces the unspecified address and disables the
	// periodic announcement.
	MCUAddr net.IP

	// Stdin is bridged onto the stdin channel; nil disables it.
	Stdin io.Reader

	// Stdout receives payloads arriving on the stdin channel.
	Stdout io.Writer

	// EndpointPrefix overrides the abstract socket namespace prefix,
	// used by tests. Empty selects the default.
	EndpointPrefix string

	// WebListen enables the HTTP statistics surface when non-empty.
	WebListen string
}

// Core is the event dispatcher. Run is its main loop; every mutation
// of link state and statistics happens there.
type Core struct {
	serial io.ReadWriteCloser
	tunnel io.ReadWriteCloser
	stdout io.Writer

	link   *link.Link
	recv   *frame.Receiver
	table  *endpoint.Table
	timers *timers
	web    *StatsServer

	st      stats.Stats
	mcuAddr [16]byte

	serialIn  chan []byte
	serialErr chan error
	stdinIn   chan []byte
	tunIn     chan []byte

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCore creates the dispatcher, binds all channel endpoints and
// starts the reader goroutines. Call Run afterwards.
func NewCore(cfg Config) (c *Core, err error) {
	if cfg.Serial == nil {
		return nil, errors.New("no serial line configured")
	}

	c = &Core{
		serial: cfg.Serial,
		tunnel: cfg.Tunnel,
		stdout: cfg.Stdout,

		serialIn:  make(chan []byte),
		serialErr: make(chan error, 1),
		tunIn:     make(chan []byte),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if cfg.MCUAddr != nil {
		addr := cfg.MCUAddr.To16()
		if addr == nil {
			return nil, errors.Errorf("invalid MCU address %v", cfg.MCUAddr)
		}
		copy(c.mcuAddr[:], addr)
	}

	c.table, err = endpoint.NewTable(cfg.EndpointPrefix)
	if err != nil {
		return nil, err
	}

	if cfg.WebListen != "" {
		c.web = NewStatsServer(cfg.WebListen)
	}

	c.timers = newTimers(cfg.MCUAddr != nil)
	c.link = link.New(c.serial, c.timers)
	c.recv = frame.NewReceiver()

	go c.readSerial()

	if cfg.Stdin != nil {
		c.stdinIn = make(chan []byte)
		go c.readStdin(cfg.Stdin)
	}
	if c.tunnel != nil {
		go c.readTunnel()
	}

	return c, nil
}

// Run drives the dispatcher until Close is called or an unrecoverable
// error occurs. The returned error is nil only on a clean shutdown.
func (c *Core) Run() error {
	defer close(c.stopAck)

	stdinIn := c.stdinIn

	for {
		select {
		case <-c.stopSyn:
			return nil

		case <-c.timers.StatsC():
			c.statsTick()

		case <-c.timers.RexmitC():
			if err := c.link.Retransmit(); err != nil {
				return err
			}

		case <-c.timers.IpaddrC():
			if err := c.sendAddressReply(); err != nil {
				return err
			}

		case chunk := <-c.serialIn:
			if err := c.processSerial(chunk); err != nil {
				return err
			}

		case err := <-c.serialErr:
			return errors.Wrap(err, "lost serial connection")

		case payload, ok := <-stdinIn:
			if !ok {
				log.Info("Standard input closed, disabling it")
				stdinIn = nil
				continue
			}
			if err := c.link.SendData(frame.StdinChannel, payload); err != nil {
				return err
			}

		case packet := <-c.tunIn:
			if err := c.link.SendData(frame.TunnelChannel, packet); err != nil {
				return err
			}

		case ev := <-c.table.Events():
			if err := c.handleEndpoint(ev); err != nil {
				return err
			}
		}
	}
}

// Close terminates the dispatcher and releases all descriptors.
func (c *Core) Close() error {
	select {
	case <-c.stopSyn:
	default:
		close(c.stopSyn)
	}
	<-c.stopAck

	c.timers.Close()

	var result *multierror.Error
	if err := c.serial.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.tunnel != nil {
		if err := c.tunnel.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.table.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.web != nil {
		if err := c.web.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// readSerial pumps raw chunks from the serial line to the dispatcher.
// A timed-out read delivers zero bytes and no error; any real error is
// fatal for the daemon.
func (c *Core) readSerial() {
	buf := make([]byte, frame.MTU)

	for {
		select {
		case <-c.stopSyn:
			return
		default:
		}

		n, err := c.serial.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.serialIn <- chunk:
			case <-c.stopSyn:
				return
			}
		}
		if err != nil {
			select {
			case c.serialErr <- err:
			case <-c.stopSyn:
			}
			return
		}
	}
}

// readStdin pumps standard input to the dispatcher until it ends.
func (c *Core) readStdin(r io.Reader) {
	buf := make([]byte, frame.MTU)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.stdinIn <- chunk:
			case <-c.stopSyn:
				return
			}
		}
		if err != nil {
			close(c.stdinIn)
			return
		}
	}
}

// readTunnel pumps packets from the TUN interface to the dispatcher.
func (c *Core) readTunnel() {
	buf := make([]byte, frame.MTU)

	for {
		n, err := c.tunnel.Read(buf)
		if n > 0 {
			packet := append([]byte(nil), buf[:n]...)
			select {
			case c.tunIn <- packet:
			case <-c.stopSyn:
				return
			}
		}
		if err != nil {
			select {
			case <-c.stopSyn:
			default:
				log.WithError(err).Error("Reading from tunnel interface failed")
			}
			return
		}
	}
}

// processSerial feeds one chunk of wire bytes through the receive state
// machine, handling every completed frame before the next byte.
func (c *Core) processSerial(chunk []byte) error {
	for _, b := range chunk {
		switch c.recv.Feed(b) {
		case frame.FrameReady:
			if err := c.handleFrame(c.recv.Frame()); err != nil {
				return err
			}

		case frame.FrameDropped:
			c.st.Global.BadFrames++
			c.st.Global.LostFrames++
			if err := c.link.HandleDropped(); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFrame processes one valid inbound frame: ARQ bookkeeping in the
// link engine, then delivery to the channel's consumers.
func (c *Core) handleFrame(f frame.Frame) error {
	c.st.Global.SerialReceived++
	c.st.Channel[f.Channel].SerialReceived++

	res, err := c.link.HandleFrame(f)
	if err != nil {
		return err
	}

	if f.Channel == frame.ControlChannel || res.Duplicate {
		return nil
	}

	c.st.Global.LostFrames += uint64(res.Lost)

	if !res.Deliver {
		log.WithField("channel", f.Channel).Debug("Got an empty frame, dropping it")
		return nil
	}

	log.WithField("channel", f.Channel).Debug("Got a frame")
	return c.deliver(f.Channel, f.Payload)
}

// deliver routes a payload to the channel's built-in consumer and the
// connected client, if any.
func (c *Core) deliver(channel uint8, payload []byte) error {
	switch channel {
	case frame.StdinChannel:
		if c.stdout != nil {
			if _, err := c.stdout.Write(payload); err != nil {
				return errors.Wrap(err, "writing to stdout")
			}
		}

	case frame.TunnelChannel:
		if c.tunnel == nil {
			log.Info("Got a packet to forward, but no tunnel interface exists: dropping it")
		} else if n, err := c.tunnel.Write(payload); err != nil {
			log.WithError(err).Warn("Writing to tunnel interface failed")
		} else if n != len(payload) {
			log.WithFields(log.Fields{
				"packet":  len(payload),
				"written": n,
			}).Warn("Sent partial packet to tunnel interface")
		}

	case frame.CmdChannel:
		if err := c.handleCommand(payload); err != nil {
			return err
		}
	}

	if c.table.Deliver(channel, payload) {
		c.st.Global.DomainForwarded++
		c.st.Channel[channel].DomainForwarded++
		return nil
	}

	log.WithField("channel", channel).Debug("No client connected, dropping message")
	c.st.Channel[channel].DropNotConnected++

	// The built-in consumers already took the payload on the stdin and
	// tunnel channels, so those do not count as a global drop.
	if channel != frame.StdinChannel && channel != frame.TunnelChannel {
		c.st.Global.DropNotConnected++
	}
	return nil
}

// handleEndpoint reacts to channel endpoint events. Messages from
// connected clients are forwarded onto the serial link.
func (c *Core) handleEndpoint(ev endpoint.Event) error {
	switch ev := ev.(type) {
	case endpoint.Inbound:
		c.st.Global.DomainReceived++
		c.st.Channel[ev.Channel].DomainReceived++

		if err := c.link.SendData(ev.Channel, ev.Payload); err != nil {
			return err
		}

		c.st.Global.SerialForwarded++
		c.st.Channel[ev.Channel].SerialForwarded++

	case endpoint.Connected, endpoint.Disconnected:
		// Bookkeeping happens inside the table; nothing to route.
	}
	return nil
}

// statsTick logs a summary, hands the packed snapshot to a client on
// the control channel and publishes it to the web surface.
func (c *Core) statsTick() {
	g := c.st.Global
	log.WithFields(log.Fields{
		"serial_received":   g.SerialReceived,
		"domain_forwarded":  g.DomainForwarded,
		"domain_received":   g.DomainReceived,
		"serial_forwarded":  g.SerialForwarded,
		"lost_frames":       g.LostFrames,
		"bad_frames":        g.BadFrames,
		"drop_notconnected": g.DropNotConnected,
	}).Info("Link statistics")

	snapshot := c.st.Copy()

	if c.table.Connected(frame.ControlChannel) {
		if raw, err := snapshot.MarshalBinary(); err != nil {
			log.WithError(err).Warn("Packing statistics snapshot failed")
		} else {
			c.table.Deliver(frame.ControlChannel, raw)
		}
	}

	if c.web != nil {
		c.web.Publish(snapshot)
	}
}
