package kernel

import "fmt"

// MailboxID indexes the mailbox table.
type MailboxID int32

// mailbox is a bounded FIFO of int32 payloads guarded by two counting
// semaphores — notEmpty/notFull — the classic producer/consumer pairing,
// plus a spin lock protecting the ring buffer indices themselves.
type mailbox struct {
	buf      []int32
	head     int32
	tail     int32
	notEmpty SemID
	notFull  SemID
	freed    bool
	lock     spinMutex
}

// CreateMailbox allocates a bounded mailbox of the given capacity.
func (k *Kernel) CreateMailbox(capacity int32) (MailboxID, error) {
	if capacity <= 0 {
		return -1, fmt.Errorf("kernel: mailbox capacity must be positive, got %d", capacity)
	}
	notFull, err := k.CreateSem(capacity)
	if err != nil {
		return -1, err
	}
	notEmpty, err := k.CreateSem(0)
	if err != nil {
		k.FreeSem(notFull)
		return -1, err
	}
	k.mboxMu.Lock()
	defer k.mboxMu.Unlock()
	for i, m := range k.mailboxes {
		if m == nil {
			k.mailboxes[i] = &mailbox{
				buf:      make([]int32, capacity),
				notEmpty: notEmpty,
				notFull:  notFull,
			}
			return MailboxID(i), nil
		}
	}
	k.FreeSem(notFull)
	k.FreeSem(notEmpty)
	return -1, fmt.Errorf("kernel: mailbox table exhausted")
}

func (k *Kernel) mailboxAt(id MailboxID) (*mailbox, error) {
	if int(id) < 0 || int(id) >= len(k.mailboxes) {
		return nil, fmt.Errorf("kernel: invalid mailbox id %d", id)
	}
	k.mboxMu.Lock()
	m := k.mailboxes[id]
	k.mboxMu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("kernel: mailbox %d not allocated", id)
	}
	return m, nil
}

// MailboxSend blocks until there is room, then appends msg. The freed
// re-check after the wait is what lets FreeMailbox run while senders are
// blocked: a drained sender comes back here, finds the box gone, and
// reports the error instead of writing into a reclaimed ring.
func (s *Self) MailboxSend(id MailboxID, msg int32) error {
	k := s.k
	mbox, err := k.mailboxAt(id)
	if err != nil {
		return err
	}
	if err := s.Wait(mbox.notFull); err != nil {
		return err
	}
	mbox.lock.Lock()
	if mbox.freed {
		mbox.lock.Unlock()
		return fmt.Errorf("kernel: mailbox %d freed while sending", id)
	}
	mbox.buf[mbox.tail] = msg
	mbox.tail = (mbox.tail + 1) % int32(len(mbox.buf))
	mbox.lock.Unlock()
	return s.Signal(mbox.notEmpty)
}

// MailboxReceive blocks until a message is available, then returns it,
// re-checking for a concurrent free the same way MailboxSend does.
func (s *Self) MailboxReceive(id MailboxID) (int32, error) {
	k := s.k
	mbox, err := k.mailboxAt(id)
	if err != nil {
		return 0, err
	}
	if err := s.Wait(mbox.notEmpty); err != nil {
		return 0, err
	}
	mbox.lock.Lock()
	if mbox.freed {
		mbox.lock.Unlock()
		return 0, fmt.Errorf("kernel: mailbox %d freed while receiving", id)
	}
	msg := mbox.buf[mbox.head]
	mbox.head = (mbox.head + 1) % int32(len(mbox.buf))
	mbox.lock.Unlock()
	if err := s.Signal(mbox.notFull); err != nil {
		return 0, err
	}
	return msg, nil
}

// FreeMailbox reclaims the mailbox and both semaphores. Threads blocked in
// send or receive are drained by the semaphore frees and observe the freed
// flag when they resume.
func (k *Kernel) FreeMailbox(id MailboxID) error {
	mbox, err := k.mailboxAt(id)
	if err != nil {
		return err
	}
	mbox.lock.Lock()
	mbox.freed = true
	mbox.lock.Unlock()
	if err := k.FreeSem(mbox.notEmpty); err != nil {
		return err
	}
	if err := k.FreeSem(mbox.notFull); err != nil {
		return err
	}
	k.mboxMu.Lock()
	k.mailboxes[id] = nil
	k.mboxMu.Unlock()
	return nil
}
