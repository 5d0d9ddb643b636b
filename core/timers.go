package core

import "time"

// Timer periods. STATS runs permanently, IPADDR too whenever an MCU
// address is configured. REXMIT is armed on
// every outbound DATA frame and keeps firing every period until a
// matching ACK cancels it, so a lost retransmission is retried too.
const (
	statsInterval  = 15 * time.Second
	rexmitTimeout  = 100 * time.Millisecond
	ipaddrInterval = 20 * time.Second
)

// timers is the dispatcher's timer service. All methods and channel
// reads happen on the dispatcher goroutine, which keeps the stop/drain
// discipline around the retransmit timer race-free.
type timers struct {
	stats  *time.Ticker
	ipaddr *time.Ticker
	rexmit *time.Ticker

	ipaddrC <-chan time.Time
}

// newTimers starts the periodic timers. The IPADDR ticker only runs
// with a configured address; without one its channel stays nil and the
// dispatcher never receives a tick. The retransmit ticker starts
// stopped.
func newTimers(announceAddr bool) *timers {
	t := &timers{
		stats:  time.NewTicker(statsInterval),
		rexmit: time.NewTicker(rexmitTimeout),
	}
	t.rexmit.Stop()

	if announceAddr {
		t.ipaddr = time.NewTicker(ipaddrInterval)
		t.ipaddrC = t.ipaddr.C
	}

	return t
}

func (t *timers) StatsC() <-chan time.Time  { return t.stats.C }
func (t *timers) IpaddrC() <-chan time.Time { return t.ipaddrC }
func (t *timers) RexmitC() <-chan time.Time { return t.rexmit.C }

// Arm starts the retransmit deadline, replacing a pending one.
func (t *timers) Arm() {
	t.rexmit.Stop()
	select {
	case <-t.rexmit.C:
	default:
	}
	t.rexmit.Reset(rexmitTimeout)
}

// Cancel stops the retransmit ticks. A tick that already fired may
// still be delivered; retransmitting an acked slot is a no-op, so a
// stale tick is harmless.
func (t *timers) Cancel() {
	t.rexmit.Stop()
	select {
	case <-t.rexmit.C:
	default:
	}
}

func (t *timers) Close() {
	t.stats.Stop()
	if t.ipaddr != nil {
		t.ipaddr.Stop()
	}
	t.rexmit.Stop()
}
