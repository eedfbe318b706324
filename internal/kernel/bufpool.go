package kernel

import "fmt"

// Buf is one slab-pool buffer. Data is reused across Get/Put cycles; callers
// must stop referencing Data after Put.
type Buf struct {
	id   int32
	Data []byte
}

// BufPool is a fixed-size slab of same-sized buffers, with a counting
// semaphore providing backpressure: Get blocks the calling thread once the
// pool is exhausted rather than growing unboundedly or calling into a
// general allocator.
type BufPool struct {
	k           *Kernel
	sem         SemID
	bufSize     int
	lock        spinMutex
	free        []*Buf
	outstanding map[int32]bool
	nextID      int32
}

// CreateBufPool allocates count buffers of bufSize bytes each.
func (k *Kernel) CreateBufPool(count, bufSize int) (*BufPool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("kernel: bufpool count and size must be positive")
	}
	sem, err := k.CreateSem(int32(count))
	if err != nil {
		return nil, err
	}
	p := &BufPool{
		k:           k,
		sem:         sem,
		bufSize:     bufSize,
		outstanding: make(map[int32]bool, count),
	}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Buf{id: p.nextID, Data: make([]byte, bufSize)})
		p.nextID++
	}
	return p, nil
}

// Get blocks the calling thread until a buffer is available.
func (p *BufPool) Get(self *Self) (*Buf, error) {
	if err := self.Wait(p.sem); err != nil {
		return nil, err
	}
	p.lock.Lock()
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.outstanding[buf.id] = true
	p.lock.Unlock()
	return buf, nil
}

// Put returns buf to the pool, readying the longest-waiting blocked Get.
// Putting a buffer twice, or one this pool did not issue, is an error.
func (p *BufPool) Put(buf *Buf) error {
	p.lock.Lock()
	if !p.outstanding[buf.id] {
		p.lock.Unlock()
		return fmt.Errorf("kernel: bufpool: buffer %d not outstanding (double free?)", buf.id)
	}
	delete(p.outstanding, buf.id)
	p.free = append(p.free, buf)
	p.lock.Unlock()
	return p.k.Signal(p.sem)
}

// BufSize reports the fixed per-buffer size.
func (p *BufPool) BufSize() int { return p.bufSize }
