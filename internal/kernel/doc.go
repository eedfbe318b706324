// Package kernel simulates a preemptive multicore thread scheduler and its
// synchronization primitives on top of Go goroutines. Every primitive here —
// the queue table, thread table, semaphores, monitors, spin mutexes,
// mailboxes, one-slot message passing, the clock, and the memory/buffer
// arenas — shares one set of tables because they call directly into one
// another (a semaphore signal readies a thread; a clock tick readies a
// sleeper), the way they share a single address space in the systems this
// design is drawn from. Splitting them into separate importable packages
// would force those calls back through exported indirection for no benefit,
// so they stay one package with one file per component.
//
// Go has no instruction to save one goroutine's context and jump into
// another's, so "thread A loses the CPU, thread B gets it" is simulated with
// a per-thread buffered channel: resched hands the next thread a token on
// its channel and then, unless the caller is exiting, blocks on its own
// channel until some later resched hands it a token back. Exactly one
// thread's goroutine is ever unblocked past this handoff point per core, so
// kernel state stays race-free despite being touched by many goroutines over
// time.
package kernel
