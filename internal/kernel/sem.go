package kernel

import "fmt"

// SemID indexes the semaphore table.
type SemID int32

// semaphore is one table slot. Slots are allocated lazily but never
// discarded: FreeSem marks a slot reusable and CreateSem recycles it along
// with its waiter queue, so the queue table's sentinel budget (one pair per
// possible semaphore) holds over any number of create/free cycles.
type semaphore struct {
	freed    bool
	count    int32
	waitHead int32
	lock     spinMutex
}

// CreateSem allocates a counting semaphore with the given initial count and
// its own FIFO waiter queue.
func (k *Kernel) CreateSem(initial int32) (SemID, error) {
	if initial < 0 {
		return -1, fmt.Errorf("kernel: semaphore initial count must be non-negative, got %d", initial)
	}
	k.semMu.Lock()
	defer k.semMu.Unlock()
	for i, s := range k.sems {
		if s == nil {
			k.sems[i] = &semaphore{count: initial, waitHead: k.queues.newQueue()}
			return SemID(i), nil
		}
		if s.freed {
			s.lock.Lock()
			s.freed = false
			s.count = initial
			s.lock.Unlock()
			return SemID(i), nil
		}
	}
	return -1, fmt.Errorf("kernel: semaphore table exhausted")
}

func (k *Kernel) semAt(id SemID) (*semaphore, error) {
	if int(id) < 0 || int(id) >= len(k.sems) {
		return nil, fmt.Errorf("kernel: invalid semaphore id %d", id)
	}
	k.semMu.Lock()
	s := k.sems[id]
	k.semMu.Unlock()
	if s == nil || s.freed {
		return nil, fmt.Errorf("kernel: semaphore %d not allocated", id)
	}
	return s, nil
}

// FreeSem reclaims a semaphore's table slot. Any threads still waiting are
// drained to READY and their Wait returns normally; only calls made after
// the free observe an invalid-semaphore error.
func (k *Kernel) FreeSem(id SemID) error {
	s, err := k.semAt(id)
	if err != nil {
		return err
	}
	var drained []int32
	s.lock.Lock()
	for {
		tid := k.queues.dequeue(s.waitHead)
		if tid == qEmpty {
			break
		}
		drained = append(drained, tid)
	}
	s.count = 0
	s.freed = true
	s.lock.Unlock()
	for _, tid := range drained {
		k.Ready(ThreadID(tid))
	}
	return nil
}

// Wait decrements the semaphore's count, blocking the calling thread if the
// result is negative. A no-op signal/wait pair (count starts and ends
// unchanged) never touches the ready or wait lists.
func (s *Self) Wait(id SemID) error {
	k := s.k
	sem, err := k.semAt(id)
	if err != nil {
		return err
	}
	sem.lock.Lock()
	sem.count--
	if sem.count < 0 {
		k.schedMu.Lock()
		k.threads[s.id].waitSem = id
		k.schedMu.Unlock()
		k.queues.enqueue(sem.waitHead, int32(s.id))
		depth := k.queues.len(sem.waitHead)
		sem.lock.Unlock()
		k.obs.ObserveBlock(depth)
		k.block(s.id, StateWait, sem.waitHead)
		return nil
	}
	sem.lock.Unlock()
	return nil
}

// Signal increments the semaphore's count and, if any thread was waiting,
// readies the longest-waiting one. This form is for callers that are not
// schedulable threads (the clock, boot code); it never preempts. A thread
// signaling from its own context should use Self.Signal, which yields the
// core immediately when the woken waiter outranks the signaler.
func (k *Kernel) Signal(id SemID) error {
	return k.signalN(id, 1, NoThread)
}

// SignalN is equivalent to calling Signal n times, but performs the count
// update and waiter releases as a single critical section.
func (k *Kernel) SignalN(id SemID, n int32) error {
	return k.signalN(id, n, NoThread)
}

// Signal is the preempting form: after readying a woken waiter, the calling
// thread is checked for preemption on its own core, so a low-priority
// signaler hands the CPU to a high-priority waiter immediately instead of
// at its next unrelated blocking call.
func (s *Self) Signal(id SemID) error {
	return s.k.signalN(id, 1, s.id)
}

// SignalN is the preempting form of Kernel.SignalN; rescheduling is
// deferred until all n releases are done, then the caller yields once if
// anything it woke outranks it.
func (s *Self) SignalN(id SemID, n int32) error {
	return s.k.signalN(id, n, s.id)
}

func (k *Kernel) signalN(id SemID, n int32, callerID ThreadID) error {
	if n < 0 {
		return fmt.Errorf("kernel: signal count must be non-negative, got %d", n)
	}
	sem, err := k.semAt(id)
	if err != nil {
		return err
	}
	var released []int32
	sem.lock.Lock()
	for i := int32(0); i < n; i++ {
		sem.count++
		if sem.count <= 0 {
			tid := k.queues.dequeue(sem.waitHead)
			if tid == qEmpty {
				break
			}
			released = append(released, tid)
		}
	}
	sem.lock.Unlock()
	for _, tid := range released {
		k.Ready(ThreadID(tid))
	}
	if len(released) > 0 {
		k.maybePreempt(callerID)
	}
	return nil
}

// SemCount reports the current count, primarily for tests.
func (k *Kernel) SemCount(id SemID) (int32, error) {
	sem, err := k.semAt(id)
	if err != nil {
		return 0, err
	}
	sem.lock.Lock()
	defer sem.lock.Unlock()
	return sem.count, nil
}
