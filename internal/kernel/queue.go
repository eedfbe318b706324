package kernel

import "sync"

// queueTable implements the classic array-backed doubly linked list used by
// every ready list, semaphore waiter list, and the sleep delta list. Each
// thread id doubles as a queue-table slot (its next/prev links live at
// index tid), and additional slots beyond NThread serve as list head/tail
// sentinel pairs, so the table holds NThread + 2*NQueues entries total and
// a thread can be unlinked from whatever list holds it by id alone.
type queueTable struct {
	mu    sync.Mutex
	next  []int32
	prev  []int32
	key   []int32
	nfree int32 // next free sentinel-pair slot, bump allocated only
}

const (
	qEmpty = int32(-1)
)

func newQueueTable(nthread, nqueues int) *queueTable {
	size := nthread + 2*nqueues
	qt := &queueTable{
		next: make([]int32, size),
		prev: make([]int32, size),
		key:  make([]int32, size),
	}
	// Thread slots start self-linked, the "not on any list" encoding unlink
	// restores, so removing a thread that was never enqueued is a no-op
	// instead of link corruption.
	for i := 0; i < nthread; i++ {
		qt.next[i] = int32(i)
		qt.prev[i] = int32(i)
	}
	qt.nfree = int32(nthread)
	return qt
}

// newQueue allocates one head/tail sentinel pair and returns the head index;
// tail is always head+1. Panics if the table is exhausted since every caller
// allocates queues once at startup from Config-derived capacity.
func (qt *queueTable) newQueue() int32 {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	if int(qt.nfree)+2 > len(qt.next) {
		panic("kernel: queue table exhausted")
	}
	head := qt.nfree
	tail := qt.nfree + 1
	qt.nfree += 2
	qt.next[head] = tail
	qt.prev[head] = qEmpty
	qt.key[head] = int32(1) << 30
	qt.next[tail] = qEmpty
	qt.prev[tail] = head
	qt.key[tail] = -(int32(1) << 30)
	return head
}

func (qt *queueTable) isEmpty(head int32) bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return qt.next[head] == head+1
}

func (qt *queueTable) firstID(head int32) int32 {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	if qt.next[head] == head+1 {
		return qEmpty
	}
	return qt.next[head]
}

// enqueue appends tid to the FIFO tail of the list rooted at head.
func (qt *queueTable) enqueue(head, tid int32) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	tail := head + 1
	prevTail := qt.prev[tail]
	qt.next[prevTail] = tid
	qt.prev[tid] = prevTail
	qt.next[tid] = tail
	qt.prev[tail] = tid
}

// dequeue removes and returns the FIFO head of the list, or qEmpty.
func (qt *queueTable) dequeue(head int32) int32 {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	first := qt.next[head]
	if first == head+1 {
		return qEmpty
	}
	qt.unlink(first)
	return first
}

// insert places tid in descending-key order (highest key first, FIFO among
// equal keys) — used by the ready lists, where key is priority. A tid that
// is already on a list is left where it is: two wake sources racing to ready
// the same thread (a timeout firing against a message send) must not link it
// twice.
func (qt *queueTable) insert(head, tid, key int32) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	if qt.next[tid] != tid {
		return
	}
	qt.key[tid] = key
	curr := qt.next[head]
	for qt.key[curr] >= key {
		curr = qt.next[curr]
	}
	prevNode := qt.prev[curr]
	qt.next[prevNode] = tid
	qt.prev[tid] = prevNode
	qt.next[tid] = curr
	qt.prev[curr] = tid
}

// insertDelta places tid in the sleep list ordered by absolute wakeup tick,
// storing delay-from-predecessor in key (the classic delta-list encoding).
func (qt *queueTable) insertDelta(head, tid, delay int32) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	curr := qt.next[head]
	remaining := delay
	for curr != head+1 && qt.key[curr] <= remaining {
		remaining -= qt.key[curr]
		curr = qt.next[curr]
	}
	qt.key[tid] = remaining
	if curr != head+1 {
		qt.key[curr] -= remaining
	}
	prevNode := qt.prev[curr]
	qt.next[prevNode] = tid
	qt.prev[tid] = prevNode
	qt.next[tid] = curr
	qt.prev[curr] = tid
}

// tickDelta decrements the delta at the head of the sleep list by one tick
// and dequeues every entry whose delay has reached zero.
func (qt *queueTable) tickDelta(head int32) []int32 {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	first := qt.next[head]
	if first == head+1 {
		return nil
	}
	qt.key[first]--
	var expired []int32
	for first != head+1 && qt.key[first] <= 0 {
		next := qt.next[first]
		qt.unlink(first)
		expired = append(expired, first)
		first = next
	}
	return expired
}

// remove unlinks tid from whatever list currently holds it. No-op if tid is
// not linked (self-linked encoding).
func (qt *queueTable) remove(tid int32) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	qt.unlink(tid)
}

// removeDelta unlinks tid from the delta list rooted at head, crediting its
// remaining delay to its successor so every entry behind it still wakes at
// its original absolute tick. Reports whether tid was actually linked.
func (qt *queueTable) removeDelta(head, tid int32) bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	if qt.next[tid] == tid {
		return false
	}
	if succ := qt.next[tid]; succ != head+1 {
		qt.key[succ] += qt.key[tid]
	}
	qt.unlink(tid)
	return true
}

// unlink must be called with mu held. Idempotent: an already-unlinked entry
// is self-linked and is left alone.
func (qt *queueTable) unlink(tid int32) {
	if qt.next[tid] == tid {
		return
	}
	n, p := qt.next[tid], qt.prev[tid]
	qt.next[p] = n
	qt.prev[n] = p
	qt.next[tid] = tid
	qt.prev[tid] = tid
}

func (qt *queueTable) maxKey(head int32) (int32, bool) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	first := qt.next[head]
	if first == head+1 {
		return 0, false
	}
	return qt.key[first], true
}

func (qt *queueTable) len(head int32) int {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	n := 0
	for cur := qt.next[head]; cur != head+1; cur = qt.next[cur] {
		n++
	}
	return n
}
