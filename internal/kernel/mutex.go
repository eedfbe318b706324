package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// spinMutex is a test-and-set spin lock built on atomic.CompareAndSwap. It
// backs both the per-semaphore count lock and the exported Mutex table: the
// critical sections it guards are a few instructions long with no
// goroutine-level blocking, so a CAS loop beats a heavier primitive.
type spinMutex struct {
	locked int32
}

func (m *spinMutex) Lock() {
	for !atomic.CompareAndSwapInt32(&m.locked, 0, 1) {
		runtime.Gosched()
	}
}

func (m *spinMutex) Unlock() {
	atomic.StoreInt32(&m.locked, 0)
}

// MutexID indexes the exported mutex table (distinct from the internal
// spinMutex type every semaphore embeds).
type MutexID int32

// CreateMutex allocates a table slot for an application-visible spin mutex.
func (k *Kernel) CreateMutex() (MutexID, error) {
	k.muxMu.Lock()
	defer k.muxMu.Unlock()
	for i, m := range k.mutexes {
		if m == nil {
			k.mutexes[i] = &spinMutex{}
			return MutexID(i), nil
		}
	}
	return -1, fmt.Errorf("kernel: mutex table exhausted")
}

func (k *Kernel) mutexAt(id MutexID) (*spinMutex, error) {
	if int(id) < 0 || int(id) >= len(k.mutexes) {
		return nil, fmt.Errorf("kernel: invalid mutex id %d", id)
	}
	k.muxMu.Lock()
	m := k.mutexes[id]
	k.muxMu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("kernel: mutex %d not allocated", id)
	}
	return m, nil
}

func (k *Kernel) MutexLock(id MutexID) error {
	m, err := k.mutexAt(id)
	if err != nil {
		return err
	}
	m.Lock()
	return nil
}

func (k *Kernel) MutexUnlock(id MutexID) error {
	m, err := k.mutexAt(id)
	if err != nil {
		return err
	}
	m.Unlock()
	return nil
}

func (k *Kernel) FreeMutex(id MutexID) error {
	if _, err := k.mutexAt(id); err != nil {
		return err
	}
	k.muxMu.Lock()
	k.mutexes[id] = nil
	k.muxMu.Unlock()
	return nil
}
