// Package stats holds the daemon's frame counters and their packed
// snapshot format. The layout mirrors the MCU tooling's expectation: a
// global block of seven little-endian u64 fields followed by 256
// per-channel blocks of five, 10296 bytes in total.
package stats

import (
	"bytes"
	"encoding/binary"

	"github.com/rethos/rethos-go/frame"
)

// SnapshotLen is the size of the packed snapshot in bytes.
const SnapshotLen = 7*8 + frame.NumChannels*5*8

// Global are the process-wide counters. Field order is part of the
// snapshot format.
type Global struct {
	SerialReceived   uint64 `json:"serial_received"`
	DomainForwarded  uint64 `json:"domain_forwarded"`
	DomainReceived   uint64 `json:"domain_received"`
	SerialForwarded  uint64 `json:"serial_forwarded"`
	LostFrames       uint64 `json:"lost_frames"`
	BadFrames        uint64 `json:"bad_frames"`
	DropNotConnected uint64 `json:"drop_notconnected"`
}

// Channel are the counters of a single channel. Field order is part of
// the snapshot format and differs from the global block.
type Channel struct {
	SerialReceived   uint64 `json:"serial_received"`
	DomainForwarded  uint64 `json:"domain_forwarded"`
	DropNotConnected uint64 `json:"drop_notconnected"`
	DomainReceived   uint64 `json:"domain_received"`
	SerialForwarded  uint64 `json:"serial_forwarded"`
}

// Stats are all counters of the daemon. They are owned by the
// dispatcher; other goroutines only ever see copies.
type Stats struct {
	Global  Global                     `json:"global"`
	Channel [frame.NumChannels]Channel `json:"channel"`
}

// MarshalBinary encodes the packed little-endian snapshot.
func (s *Stats) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SnapshotLen))
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Copy returns an independent snapshot of the counters.
func (s *Stats) Copy() *Stats {
	c := *s
	return &c
}
