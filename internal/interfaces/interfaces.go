// Package interfaces provides internal interface definitions shared across
// corvid's subsystems. Kept separate from the root package to avoid import
// cycles between the public façade and the internal packages it wires
// together.
package interfaces

// Logger is satisfied by *logging.Logger; subsystems depend on this
// narrower interface instead of the concrete type so tests can substitute
// a recording logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives kernel events for metrics collection. Implementations
// must be safe for concurrent use: methods are called from daemon and
// scheduler goroutines without additional synchronization by the caller.
type Observer interface {
	// ObserveReady is called whenever a thread transitions to READY, with
	// the depth of the ready list it was inserted into.
	ObserveReady(core int, readyDepth int)

	// ObserveBlock is called whenever a thread blocks on a semaphore,
	// mailbox, or message receive, with the resulting waiter count.
	ObserveBlock(waiterDepth int)

	// ObservePacket is called for every packet handed to a protocol
	// daemon or dropped, with the layer name and a drop reason ("" if not
	// dropped).
	ObservePacket(layer string, bytes int, dropReason string)

	// ObserveLatency records the duration of an operation in nanoseconds,
	// keyed by a short operation name ("arp.lookup", "udp.read", ...).
	ObserveLatency(op string, latencyNs uint64)
}

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveReady(int, int)               {}
func (NoOpObserver) ObserveBlock(int)                    {}
func (NoOpObserver) ObservePacket(string, int, string)   {}
func (NoOpObserver) ObserveLatency(string, uint64)       {}

var _ Observer = NoOpObserver{}
