package kernel

// Self is the handle a thread's own entry function uses to call back into
// the kernel. Go has no ambient current-thread identity, so every blocking
// call must name the calling thread explicitly: CreateThread hands each
// entry function exactly one Self bound to its own id, and entry closures
// thread it through to anything that can block (semaphores, mailboxes,
// sleep, receive).
type Self struct {
	k  *Kernel
	id ThreadID
}

func (s *Self) ID() ThreadID { return s.id }

// Yield voluntarily gives up the CPU, allowing an equal-or-higher-priority
// ready thread on the same core to run; the caller keeps the core only if
// its priority strictly exceeds everything ready, so equals round-robin
// instead of starving each other.
func (s *Self) Yield() {
	k := s.k
	k.schedMu.Lock()
	self := k.threads[s.id]
	core := int32(0)
	if self != nil {
		core = self.core
	}
	k.schedMu.Unlock()
	if self == nil {
		return
	}
	k.resched(core, self, true)
}

// Ready moves tid from SUSP/WAIT/SLEEP/RECV into its core's ready list at a
// position determined by priority, FIFO among equals. When resched is true
// and tid shares the caller's core, the caller is synchronously checked for
// preemption — the path a low-priority spinner readying a high-priority
// thread relies on.
func (s *Self) Ready(tid ThreadID, resched bool) {
	s.k.readyThread(tid, resched, s.id)
}

// Ready is the self-less form used by the clock, interrupt-style driver
// code, and boot code that ready a thread without being a schedulable
// thread themselves.
func (k *Kernel) Ready(tid ThreadID) {
	k.readyThread(tid, false, NoThread)
}

func (k *Kernel) readyThread(tid ThreadID, resched bool, callerID ThreadID) {
	k.schedMu.Lock()
	tcb := k.threads[tid]
	if tcb == nil {
		k.schedMu.Unlock()
		return
	}
	tcb.state = StateReady
	core := tcb.core
	head := k.ready[core]
	k.schedMu.Unlock()

	k.queues.insert(head, int32(tid), tcb.priority)
	k.obs.ObserveReady(int(core), k.queues.len(head))

	if resched && callerID != NoThread {
		k.schedMu.Lock()
		caller := k.threads[callerID]
		sameCore := caller != nil && caller.state == StateCurr && caller.core == core
		k.schedMu.Unlock()
		if sameCore {
			k.resched(caller.core, caller, true)
		}
	}
}

// resched picks the next thread to run on core and performs the baton
// handoff. self must be the thread currently executing on core — only the
// core's own baton holder may reschedule that core.
//
// voluntary distinguishes the two entry modes. A voluntary call (Yield, the
// preemption check in ready) means self is still runnable and is NOT in any
// list: it keeps the core only while its priority strictly exceeds the
// highest ready key, and is re-inserted behind its priority band otherwise
// — FIFO among equals, so same-priority threads take turns. A
// non-voluntary call (block, kill) means self is giving the core up
// unconditionally; its state was already set to its destination by the
// caller, and it may even have been re-inserted into the ready list by a
// racing Signal that fired between queueing and blocking — in which case it
// is simply picked back up, which is exactly the semantics of a wait that
// was satisfied before the waiter finished parking.
func (k *Kernel) resched(core int32, self *TCB, voluntary bool) {
	k.schedMu.Lock()
	if voluntary {
		if maxKey, ok := k.queues.maxKey(k.ready[core]); !ok || maxKey < self.priority {
			self.state = StateCurr
			k.schedMu.Unlock()
			return
		}
		self.state = StateReady
		k.queues.insert(k.ready[core], int32(self.id), self.priority)
	}
	nextID := k.queues.dequeue(k.ready[core])
	if nextID == qEmpty || k.threads[nextID] == nil {
		nextID = k.null[core]
	}
	next := k.threads[nextID]
	next.state = StateCurr
	next.core = core
	k.cores[core].current = nextID
	k.schedMu.Unlock()

	next.resumeCh <- struct{}{}

	if self.state == StateFree {
		return
	}
	<-self.resumeCh
}

// maybePreempt runs the voluntary reschedule check for callerID if it is a
// live running thread — the tail of every preempting signal. A NoThread
// caller (clock, driver bottom half, boot code) is a no-op.
func (k *Kernel) maybePreempt(callerID ThreadID) {
	if callerID == NoThread {
		return
	}
	k.schedMu.Lock()
	caller := k.threads[callerID]
	running := caller != nil && caller.state == StateCurr
	k.schedMu.Unlock()
	if running {
		k.resched(caller.core, caller, true)
	}
}

// block transitions self into waitState and yields the core. Shared by
// semaphores, monitors, mailboxes, message receive, and sleep. waitQueue
// records the queue-table list self was linked into by its caller (qEmpty
// for the single-slot message wait, which is tracked on the TCB alone).
func (k *Kernel) block(id ThreadID, waitState State, queueHead int32) {
	k.schedMu.Lock()
	self := k.threads[id]
	self.state = waitState
	self.waitQueue = queueHead
	core := self.core
	k.schedMu.Unlock()
	k.resched(core, self, false)
}
