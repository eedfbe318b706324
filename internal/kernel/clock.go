package kernel

import (
	"sync/atomic"
	"time"
)

// clock drives the simulated timer tick: a single ticker goroutine that
// increments a tick counter and walks a delta-encoded sleep list, readying
// every thread whose delay has reached zero. Sleep and RecvTime share this
// one list; a timed receive is just a sleeper whose wakeup may be cancelled
// by an early message.
type clock struct {
	k            *Kernel
	ticksPerSec  int
	sleepHead    int32
	ticks        atomic.Uint64
	tickInterval time.Duration
}

func newClock(k *Kernel, ticksPerSec int) *clock {
	if ticksPerSec <= 0 {
		ticksPerSec = 1000
	}
	return &clock{
		k:            k,
		ticksPerSec:  ticksPerSec,
		sleepHead:    k.queues.newQueue(),
		tickInterval: time.Second / time.Duration(ticksPerSec),
	}
}

func (c *clock) run(stop <-chan struct{}) {
	t := time.NewTicker(c.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.tick()
		}
	}
}

// tick advances the counter and pops every expired sleeper. The pop and the
// pendingTimeout clear happen under schedMu as one step so a concurrent
// cancelTimeout can never unlink an entry the tick already popped.
func (c *clock) tick() {
	c.ticks.Add(1)
	c.k.schedMu.Lock()
	expired := c.k.queues.tickDelta(c.sleepHead)
	for _, tid := range expired {
		if tcb := c.k.threads[tid]; tcb != nil {
			tcb.pendingTimeout = false
		}
	}
	c.k.schedMu.Unlock()
	for _, tid := range expired {
		c.k.Ready(ThreadID(tid))
	}
}

func (c *clock) msToTicks(ms int32) int32 {
	ticks := int32(int64(ms) * int64(c.ticksPerSec) / 1000)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// Ticks reports the number of clock ticks elapsed since Start.
func (k *Kernel) Ticks() uint64 { return k.clk.ticks.Load() }

// Sleep blocks the calling thread for at least ms milliseconds.
func (s *Self) Sleep(ms int32) {
	k := s.k
	k.armTimeout(s.id, ms)
	k.block(s.id, StateSleep, k.clk.sleepHead)
}

// armTimeout schedules a wakeup for id in ms milliseconds, to be cancelled
// by cancelTimeout if the thread is readied for another reason first.
func (k *Kernel) armTimeout(id ThreadID, ms int32) {
	k.schedMu.Lock()
	tcb := k.threads[id]
	tcb.pendingTimeout = true
	k.queues.insertDelta(k.clk.sleepHead, int32(id), k.clk.msToTicks(ms))
	k.schedMu.Unlock()
}

// cancelTimeout unlinks id from the delta sleep list if its timer has not
// already fired, crediting its remaining delay to the entry behind it.
func (k *Kernel) cancelTimeout(id ThreadID) {
	k.schedMu.Lock()
	tcb := k.threads[id]
	if tcb != nil && tcb.pendingTimeout {
		tcb.pendingTimeout = false
		k.queues.removeDelta(k.clk.sleepHead, int32(id))
	}
	k.schedMu.Unlock()
}
