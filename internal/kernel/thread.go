package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvid-os/corvid/internal/interfaces"
)

// State is a thread's scheduling state.
type State int32

const (
	StateFree State = iota
	StateCurr
	StateReady
	StateRecv
	StateSleep
	StateSusp
	StateWait
	StateTmout
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateCurr:
		return "CURR"
	case StateReady:
		return "READY"
	case StateRecv:
		return "RECV"
	case StateSleep:
		return "SLEEP"
	case StateSusp:
		return "SUSP"
	case StateWait:
		return "WAIT"
	case StateTmout:
		return "TMOUT"
	default:
		return "UNKNOWN"
	}
}

const (
	MinPriority int32 = 1
	MaxPriority int32 = 99
	// NullPriority is below MinPriority so a null thread never outranks a
	// legitimately created one, yet the ready list always has a floor entry.
	NullPriority int32 = 0
)

// ThreadID identifies a table slot. Negative values denote an error.
type ThreadID int32

const NoThread ThreadID = -1

// TCB is one thread-table entry. Fields are only ever mutated by the
// scheduler while schedMu is held, except resumeCh which is the handoff
// baton and is safe to send/receive without the lock.
type TCB struct {
	id       ThreadID
	name     string
	state    State
	priority int32
	core     int32 // core this thread is bound to once dispatched
	parent   ThreadID

	hasMsg bool
	msg    int32

	pendingTimeout bool // true while linked into the clock's delta sleep list

	waitQueue int32 // queue-table head this thread is linked into, or qEmpty
	waitSem   SemID // semaphore this thread is blocked on while StateWait

	resumeCh chan struct{} // buffered 1; dispatcher sends to make this thread CURR
	exitCode int
}

// Kernel owns every table: threads, queues, semaphores, monitors, mutexes,
// mailboxes, the clock, and the memory arena. One Kernel simulates one
// machine; cmd/corvidsim constructs exactly one.
type Kernel struct {
	cfg Config
	log interfaces.Logger
	obs interfaces.Observer

	schedMu sync.Mutex
	threads []*TCB
	freeIDs []int32

	queues *queueTable
	ready  []int32 // per-core ready-list head, index by core
	null   []int32 // per-core null-thread id

	cores []*coreState

	sems  []*semaphore
	semMu sync.Mutex

	monitors []*monitor
	monMu    sync.Mutex

	mutexes []*spinMutex
	muxMu   sync.Mutex

	mailboxes []*mailbox
	mboxMu    sync.Mutex

	clk *clock

	arena *memArena

	startOnce sync.Once
	stopCh    chan struct{}
}

type coreState struct {
	id      int32
	current int32 // currently running thread id on this core
}

// New allocates every table described by cfg but starts no goroutines; call
// Start to bring up the clock and the per-core null threads.
func New(cfg Config, log interfaces.Logger, obs interfaces.Observer) *Kernel {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	k := &Kernel{
		cfg:     cfg,
		log:     log,
		obs:     obs,
		threads: make([]*TCB, cfg.NThread),
		queues:  newQueueTable(cfg.NThread, cfg.nqueues()),
		ready:   make([]int32, cfg.NCore),
		null:    make([]int32, cfg.NCore),
		cores:   make([]*coreState, cfg.NCore),
		sems:    make([]*semaphore, cfg.NSem),
		monitors: make([]*monitor, cfg.NMonitor),
		mutexes:  make([]*spinMutex, cfg.NMutex),
		mailboxes: make([]*mailbox, cfg.NMailbox),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < cfg.NThread; i++ {
		k.freeIDs = append(k.freeIDs, int32(i))
	}
	for c := 0; c < cfg.NCore; c++ {
		k.ready[c] = k.queues.newQueue()
		k.cores[c] = &coreState{id: int32(c), current: int32(NoThread)}
	}
	k.arena = newMemArena(cfg.HeapBytes)
	k.clk = newClock(k, cfg.ClockTicksPerSec)
	return k
}

// Start launches the clock ticker and one null thread per core, each of
// which immediately becomes CURR on its core and yields in a tight loop
// whenever a real thread is ready.
func (k *Kernel) Start() {
	k.startOnce.Do(func() {
		for c := int32(0); c < int32(k.cfg.NCore); c++ {
			k.spawnNullThread(c)
		}
		go k.clk.run(k.stopCh)
	})
}

// Stop halts the clock. Running thread goroutines are left parked on their
// resumeCh; a process exit reclaims them.
func (k *Kernel) Stop() {
	close(k.stopCh)
}

// spawnNullThread starts core's idle thread: it holds the core whenever the
// ready list is empty and offers it back on every loop iteration. The short
// sleep stands in for a wait-for-interrupt instruction — without it an idle
// simulated core would spin a host CPU at 100%.
func (k *Kernel) spawnNullThread(core int32) ThreadID {
	tid, tcb := k.allocTCB(fmt.Sprintf("null/%d", core), NullPriority, NoThread)
	tcb.core = core
	tcb.state = StateCurr
	k.schedMu.Lock()
	k.null[core] = int32(tid)
	k.cores[core].current = int32(tid)
	k.schedMu.Unlock()
	self := &Self{k: k, id: tid}
	go func() {
		<-tcb.resumeCh
		for {
			self.Yield()
			time.Sleep(50 * time.Microsecond)
		}
	}()
	// Hand the null thread its first baton only after it is registered, so
	// its first Yield already sees itself as the core's dispatcher.
	tcb.resumeCh <- struct{}{}
	return tid
}

// CreateThread allocates a TCB, wraps entry in the standard userret trailer,
// and leaves the thread SUSPENDED until a Ready call schedules it, keeping
// creation and first dispatch as two separate steps. entry receives a Self
// handle bound to the new thread's own id, since Go has no ambient notion of
// the current thread.
func (k *Kernel) CreateThread(name string, priority int32, core int32, entry func(self *Self) int) (ThreadID, error) {
	if priority < MinPriority || priority > MaxPriority {
		return NoThread, fmt.Errorf("kernel: priority %d out of range [%d,%d]", priority, MinPriority, MaxPriority)
	}
	tid, tcb := k.allocTCB(name, priority, NoThread)
	if tid == NoThread {
		return NoThread, fmt.Errorf("kernel: thread table exhausted")
	}
	tcb.core = core
	tcb.state = StateSusp
	self := &Self{k: k, id: tid}
	go func() {
		<-tcb.resumeCh
		code := entry(self)
		k.userret(tcb, code)
	}()
	return tid, nil
}

func (k *Kernel) allocTCB(name string, priority int32, parent ThreadID) (ThreadID, *TCB) {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	if len(k.freeIDs) == 0 {
		return NoThread, nil
	}
	id := k.freeIDs[len(k.freeIDs)-1]
	k.freeIDs = k.freeIDs[:len(k.freeIDs)-1]
	tcb := &TCB{
		id:        ThreadID(id),
		name:      name,
		state:     StateSusp,
		priority:  priority,
		parent:    parent,
		waitQueue: qEmpty,
		resumeCh:  make(chan struct{}, 1),
	}
	k.threads[id] = tcb
	return tcb.id, tcb
}

// userret is the trailer every thread goroutine runs on natural return: it
// behaves as if the thread had called Kill on itself, which is the one
// legal way a CURR thread leaves the system.
func (k *Kernel) userret(tcb *TCB, code int) {
	k.reap(tcb.id, code, true)
}

// Kill terminates a thread that is SUSP, READY, or blocked, unlinking it
// from whatever queue holds it. Killing a null thread is refused, and so is
// killing a thread that is currently running: Go cannot stop another
// goroutine mid-execution, so a running thread can only exit through its
// own return path.
func (k *Kernel) Kill(tid ThreadID, code int) error {
	return k.reap(tid, code, false)
}

func (k *Kernel) reap(tid ThreadID, code int, selfExit bool) error {
	k.schedMu.Lock()
	tcb := k.threads[tid]
	if tcb == nil {
		k.schedMu.Unlock()
		return fmt.Errorf("kernel: kill of nonexistent thread %d", tid)
	}
	for _, n := range k.null {
		if n == int32(tid) {
			k.schedMu.Unlock()
			return fmt.Errorf("kernel: cannot kill null thread")
		}
	}
	if tcb.state == StateCurr && !selfExit {
		k.schedMu.Unlock()
		return fmt.Errorf("kernel: thread %d is running; a running thread can only exit itself", tid)
	}
	tcb.exitCode = code
	wasCurr := tcb.state == StateCurr
	state := tcb.state
	waitSem := tcb.waitSem
	hadTimeout := tcb.pendingTimeout
	tcb.pendingTimeout = false
	tcb.state = StateFree
	core := tcb.core
	k.freeIDs = append(k.freeIDs, int32(tid))
	k.threads[tid] = nil
	k.schedMu.Unlock()

	switch state {
	case StateReady:
		k.queues.remove(int32(tid))
	case StateWait:
		// A killed waiter leaves its semaphore queue; the count must be
		// credited back or a later Signal would wake a thread that no
		// longer exists.
		k.queues.remove(int32(tid))
		if sem, err := k.semAt(waitSem); err == nil {
			sem.lock.Lock()
			sem.count++
			sem.lock.Unlock()
		}
	case StateSleep, StateTmout:
		k.queues.removeDelta(k.clk.sleepHead, int32(tid))
	case StateRecv:
		if hadTimeout {
			k.queues.removeDelta(k.clk.sleepHead, int32(tid))
		}
	}

	if wasCurr {
		k.resched(core, tcb, false)
	}
	return nil
}

// ThreadState reports a thread's current scheduling state; used by tests and
// by diagnostics commands.
func (k *Kernel) ThreadState(tid ThreadID) (State, bool) {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	tcb := k.threads[tid]
	if tcb == nil {
		return StateFree, false
	}
	return tcb.state, true
}
