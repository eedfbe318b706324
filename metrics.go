package corvid

import (
	"sync/atomic"
	"time"

	"github.com/corvid-os/corvid/internal/interfaces"
)

// numLatencyBuckets logarithmic buckets from 1us up through an overflow
// bucket, covering kernel and network operation latency.
const numLatencyBuckets = 8

// LatencyBuckets are the upper bounds, in nanoseconds, of each histogram
// bucket.
var LatencyBuckets = [numLatencyBuckets]uint64{
	1_000,        // 1us
	10_000,       // 10us
	100_000,      // 100us
	1_000_000,    // 1ms
	10_000_000,   // 10ms
	100_000_000,  // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s (overflow bucket for anything slower)
}

// Metrics accumulates kernel and network counters via lock-free atomics,
// implementing interfaces.Observer so a Kernel and its daemons can report
// into it without any subsystem depending on *Metrics directly.
type Metrics struct {
	ReadyEvents atomic.Uint64
	BlockEvents atomic.Uint64

	MaxReadyDepth atomic.Uint32
	MaxWaitDepth  atomic.Uint32

	PacketsByLayer   [8]layerCounter
	layerNames       [8]string
	layerNameCount   atomic.Int32

	OpLatencyCount   atomic.Uint64
	OpLatencyTotalNs atomic.Uint64
	LatencyBuckets   [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

type layerCounter struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
	Drops   atomic.Uint64
}

// NewMetrics returns a zeroed Metrics ready for use.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) layerSlot(layer string) *layerCounter {
	n := int(m.layerNameCount.Load())
	if n > len(m.layerNames) {
		n = len(m.layerNames)
	}
	for i := 0; i < n; i++ {
		if m.layerNames[i] == layer {
			return &m.PacketsByLayer[i]
		}
	}
	idx := m.layerNameCount.Add(1) - 1
	if int(idx) >= len(m.layerNames) {
		// Out of static slots: fold into the last one rather than growing
		// unboundedly under concurrent access.
		idx = int32(len(m.layerNames) - 1)
	}
	m.layerNames[idx] = layer
	return &m.PacketsByLayer[idx]
}

// ObserveReady implements interfaces.Observer.
func (m *Metrics) ObserveReady(core int, readyDepth int) {
	m.ReadyEvents.Add(1)
	casMaxU32(&m.MaxReadyDepth, uint32(readyDepth))
}

// ObserveBlock implements interfaces.Observer.
func (m *Metrics) ObserveBlock(waiterDepth int) {
	m.BlockEvents.Add(1)
	casMaxU32(&m.MaxWaitDepth, uint32(waiterDepth))
}

// ObservePacket implements interfaces.Observer.
func (m *Metrics) ObservePacket(layer string, bytes int, dropReason string) {
	slot := m.layerSlot(layer)
	slot.Packets.Add(1)
	slot.Bytes.Add(uint64(bytes))
	if dropReason != "" {
		slot.Drops.Add(1)
	}
}

// ObserveLatency implements interfaces.Observer.
func (m *Metrics) ObserveLatency(op string, latencyNs uint64) {
	m.OpLatencyCount.Add(1)
	m.OpLatencyTotalNs.Add(latencyNs)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
			return
		}
	}
	m.LatencyBuckets[numLatencyBuckets-1].Add(1)
}

// Stop records StopTime, called once the simulated machine shuts down.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

var _ interfaces.Observer = (*Metrics)(nil)

// casMaxU32 atomically sets *addr to v if v is larger than the current
// value, retrying under contention.
func casMaxU32(addr *atomic.Uint32, v uint32) {
	for {
		cur := addr.Load()
		if v <= cur {
			return
		}
		if addr.CompareAndSwap(cur, v) {
			return
		}
	}
}
