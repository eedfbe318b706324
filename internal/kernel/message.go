package kernel

import "fmt"

// Send deposits msg in to's one-slot inbox, readying it if it is blocked in
// Receive/RecvTime. Sending to a thread that already has a pending message
// is a caller error: the inbox holds exactly one message, never a queue.
func (k *Kernel) Send(to ThreadID, msg int32) error {
	k.schedMu.Lock()
	tcb := k.threads[to]
	if tcb == nil {
		k.schedMu.Unlock()
		return fmt.Errorf("kernel: send to nonexistent thread %d", to)
	}
	if tcb.hasMsg {
		k.schedMu.Unlock()
		return fmt.Errorf("kernel: thread %d already has a pending message", to)
	}
	tcb.hasMsg = true
	tcb.msg = msg
	waiting := tcb.state == StateRecv || tcb.state == StateTmout
	k.schedMu.Unlock()
	if waiting {
		k.cancelTimeout(to)
		k.Ready(to)
	}
	return nil
}

// Receive blocks until a message arrives, then returns it.
func (s *Self) Receive() int32 {
	k := s.k
	k.schedMu.Lock()
	tcb := k.threads[s.id]
	if tcb.hasMsg {
		msg := tcb.msg
		tcb.hasMsg = false
		k.schedMu.Unlock()
		return msg
	}
	k.schedMu.Unlock()
	k.block(s.id, StateRecv, qEmpty)

	k.schedMu.Lock()
	tcb = k.threads[s.id]
	msg := tcb.msg
	tcb.hasMsg = false
	k.schedMu.Unlock()
	return msg
}

// RecvTime blocks until a message arrives or ms milliseconds elapse,
// reporting which happened via ok.
func (s *Self) RecvTime(ms int32) (msg int32, ok bool) {
	k := s.k
	k.schedMu.Lock()
	tcb := k.threads[s.id]
	if tcb.hasMsg {
		msg = tcb.msg
		tcb.hasMsg = false
		k.schedMu.Unlock()
		return msg, true
	}
	k.schedMu.Unlock()

	k.armTimeout(s.id, ms)
	k.block(s.id, StateTmout, qEmpty)

	k.schedMu.Lock()
	tcb = k.threads[s.id]
	if tcb.hasMsg {
		msg = tcb.msg
		tcb.hasMsg = false
		k.schedMu.Unlock()
		k.cancelTimeout(s.id)
		return msg, true
	}
	k.schedMu.Unlock()
	return 0, false
}
