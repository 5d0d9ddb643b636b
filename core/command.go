package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/frame"
)

// Opcodes of the in-band command protocol on the command channel.
const (
	cmdGetMCUAddr = 0x01
	rspGetMCUAddr = 0x11
)

// addressReply builds the response to a "get MCU address" request: the
// reply opcode followed by the MCU's 16-byte IPv6 address. Without a
// configured tunnel prefix the address is all zero.
func (c *Core) addressReply() []byte {
	reply := make([]byte, 0, 17)
	reply = append(reply, rspGetMCUAddr)
	return append(reply, c.mcuAddr[:]...)
}

// sendAddressReply emits the address reply on the command channel. It
// is a regular DATA frame: it consumes a sequence number and arms the
// retransmit timer.
func (c *Core) sendAddressReply() error {
	return c.link.SendData(frame.CmdChannel, c.addressReply())
}

// handleCommand parses one inbound message on the command channel.
func (c *Core) handleCommand(payload []byte) error {
	if len(payload) == 0 {
		log.Info("Got empty command")
		return nil
	}

	switch opcode := payload[0]; opcode {
	case cmdGetMCUAddr:
		log.Info("Got command: get MCU IP address")
		return c.sendAddressReply()

	default:
		log.WithField("opcode", opcode).Info("Got unknown command")
		return nil
	}
}
