package corvid

import (
	"sync/atomic"
	"testing"
)

func TestObservePacketAccumulatesPerLayer(t *testing.T) {
	m := NewMetrics()
	m.ObservePacket("arp", 28, "")
	m.ObservePacket("arp", 28, "malformed")
	m.ObservePacket("ipv4", 64, "")

	arpSlot := m.layerSlot("arp")
	if got := arpSlot.Packets.Load(); got != 2 {
		t.Fatalf("arp Packets = %d, want 2", got)
	}
	if got := arpSlot.Bytes.Load(); got != 56 {
		t.Fatalf("arp Bytes = %d, want 56", got)
	}
	if got := arpSlot.Drops.Load(); got != 1 {
		t.Fatalf("arp Drops = %d, want 1", got)
	}

	ipv4Slot := m.layerSlot("ipv4")
	if got := ipv4Slot.Packets.Load(); got != 1 {
		t.Fatalf("ipv4 Packets = %d, want 1", got)
	}
}

func TestLayerSlotFoldsOverflowIntoLastSlot(t *testing.T) {
	m := NewMetrics()
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, n := range names {
		m.ObservePacket(n, 1, "")
	}
	// Only 8 static slots exist; the 9th and 10th distinct layer names fold
	// into the last slot alongside "h".
	last := &m.PacketsByLayer[len(m.PacketsByLayer)-1]
	if got := last.Packets.Load(); got != 3 {
		t.Fatalf("last slot Packets = %d, want 3 (h, i, j folded together)", got)
	}
}

func TestObserveLatencyBucketsByUpperBound(t *testing.T) {
	m := NewMetrics()
	m.ObserveLatency("arp.lookup", 500)          // falls in the 1us bucket
	m.ObserveLatency("arp.lookup", 50_000_000)   // falls in the 100ms bucket
	m.ObserveLatency("arp.lookup", 50_000_000_000) // overflow bucket

	if got := m.LatencyBuckets[0].Load(); got != 1 {
		t.Fatalf("bucket 0 = %d, want 1", got)
	}
	if got := m.LatencyBuckets[5].Load(); got != 1 {
		t.Fatalf("bucket 5 (100ms) = %d, want 1", got)
	}
	if got := m.LatencyBuckets[numLatencyBuckets-1].Load(); got != 1 {
		t.Fatalf("overflow bucket = %d, want 1", got)
	}
	if got := m.OpLatencyCount.Load(); got != 3 {
		t.Fatalf("OpLatencyCount = %d, want 3", got)
	}
}

func TestObserveReadyTracksMaxDepth(t *testing.T) {
	m := NewMetrics()
	m.ObserveReady(0, 3)
	m.ObserveReady(0, 7)
	m.ObserveReady(0, 2)
	if got := m.MaxReadyDepth.Load(); got != 7 {
		t.Fatalf("MaxReadyDepth = %d, want 7 (the high-water mark, not the last value)", got)
	}
	if got := m.ReadyEvents.Load(); got != 3 {
		t.Fatalf("ReadyEvents = %d, want 3", got)
	}
}

func TestCasMaxU32NeverDecreases(t *testing.T) {
	var v atomic.Uint32
	v.Store(10)
	casMaxU32(&v, 3)
	if got := v.Load(); got != 10 {
		t.Fatalf("casMaxU32 lowered the value to %d, want it to stay at 10", got)
	}
	casMaxU32(&v, 20)
	if got := v.Load(); got != 20 {
		t.Fatalf("casMaxU32 = %d, want 20", got)
	}
}
