package corvid

import "time"

// Default sizing constants for a freshly built Kernel, grouped the way the
// kernel's own Config groups table sizes.
const (
	DefaultThreadTableSize  = 128
	DefaultCoreCount        = 4
	DefaultSemaphoreCount   = 96
	DefaultMonitorCount     = 32
	DefaultMutexCount       = 32
	DefaultMailboxCount     = 32
	DefaultClockTicksPerSec = 1000
	DefaultHeapBytes        = 4 << 20

	// DefaultPacketPoolSize is the number of MaxPktLen buffers the packet
	// pool starts with; exhausting it blocks a sender rather than growing
	// unboundedly, the same backpressure choice the buffer pool itself
	// makes for any other slab.
	DefaultPacketPoolSize = 256

	// DefaultUDPEndpoints and DefaultRawEndpoints size their respective
	// devtab driver's minor tables.
	DefaultUDPEndpoints = 16
	DefaultRawEndpoints = 8
	DefaultCharMinors   = 4
	DefaultUARTMinors   = 2
)

// Startup timing. A freshly created Kernel needs its clock goroutine and
// per-core null threads running before any daemon blocks on a semaphore or
// sleeps, or that daemon's first wait has no ready list to be reinserted
// into; BootSettle gives Start's goroutines one scheduling quantum to reach
// that point before cmd/corvidsim spawns the network daemons.
const BootSettle = 2 * time.Millisecond

// DiscoveryInterval is how often the route daemon's caller should consider
// re-announcing connected routes in a multi-host simulation; unused by the
// route table itself, which applies updates as soon as they are queued.
// Nothing in this repository reads it; cmd/corvidsim has no periodic
// housekeeping loop.
const DiscoveryInterval = 30 * time.Second
