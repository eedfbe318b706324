// Package loopchar implements a character loopback device: bytes written
// with Putc/Write are read back with Getc/Read in FIFO order through a
// fixed-size ring.
//
// Putc writes at the minor's own write index rather than deriving a ring
// position from the backing semaphore's count, and the whole
// write/advance/signal sequence runs under a per-minor mutex, which
// serializes writers explicitly instead of merely assuming a single one.
// The semaphore only counts bytes available to read.
package loopchar

import (
	"sync"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/internal/kernel"
)

type minorState int32

const (
	stateFree minorState = iota
	stateOpen
)

type minor struct {
	mu      sync.Mutex // serializes Putc/state transitions for this minor
	state   minorState
	data    []byte
	readIdx int
	writeIdx int
	sem     kernel.SemID // counts bytes available to read
}

const defaultBufSize = 256

// Driver is a devtab-installable loopback character device, one minor per
// independent byte stream.
type Driver struct {
	k      *kernel.Kernel
	minors []*minor
}

// NewDriver allocates n independent loopback minors.
func NewDriver(k *kernel.Kernel, n int) *Driver {
	return &Driver{k: k, minors: make([]*minor, n)}
}

func (d *Driver) Init() error {
	for i := range d.minors {
		sem, err := d.k.CreateSem(0)
		if err != nil {
			return err
		}
		d.minors[i] = &minor{data: make([]byte, defaultBufSize), sem: sem}
	}
	return nil
}

func (d *Driver) at(m int) (*minor, error) {
	if m < 0 || m >= len(d.minors) {
		return nil, device.ErrBadMinor
	}
	return d.minors[m], nil
}

func (d *Driver) Open(self *kernel.Self, m int, args ...interface{}) error {
	mn, err := d.at(m)
	if err != nil {
		return err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.state == stateOpen {
		return device.ErrAlreadyOpen
	}
	mn.state = stateOpen
	mn.readIdx = 0
	mn.writeIdx = 0
	return nil
}

func (d *Driver) Close(self *kernel.Self, m int) error {
	mn, err := d.at(m)
	if err != nil {
		return err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.state != stateOpen {
		return device.ErrNotOpen
	}
	mn.state = stateFree
	return nil
}

// Putc blocks only if the ring is momentarily being written by another
// thread (via the per-minor mutex); it never waits on data availability the
// way Getc does.
func (d *Driver) Putc(self *kernel.Self, m int, b byte) error {
	mn, err := d.at(m)
	if err != nil {
		return err
	}
	mn.mu.Lock()
	if mn.state != stateOpen {
		mn.mu.Unlock()
		return device.ErrNotOpen
	}
	mn.data[mn.writeIdx%len(mn.data)] = b
	mn.writeIdx++
	// The write/advance/signal sequence must stay inside the minor lock
	// or two writers could claim the same position. That forces the
	// non-preempting signal here: a preempting one taken while the lock is
	// held would hand the core to a reader that immediately re-acquires it.
	err = d.k.Signal(mn.sem)
	mn.mu.Unlock()
	return err
}

func (d *Driver) Write(self *kernel.Self, m int, buf []byte) (int, error) {
	for i, b := range buf {
		if err := d.Putc(self, m, b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Getc blocks until a byte is available, then returns it in FIFO order.
func (d *Driver) Getc(self *kernel.Self, m int) (int, error) {
	mn, err := d.at(m)
	if err != nil {
		return 0, err
	}
	mn.mu.Lock()
	if mn.state != stateOpen {
		mn.mu.Unlock()
		return 0, device.ErrNotOpen
	}
	mn.mu.Unlock()
	if err := self.Wait(mn.sem); err != nil {
		return 0, err
	}
	mn.mu.Lock()
	b := mn.data[mn.readIdx%len(mn.data)]
	mn.readIdx++
	mn.mu.Unlock()
	return int(b), nil
}

func (d *Driver) Read(self *kernel.Self, m int, buf []byte) (int, error) {
	for i := range buf {
		c, err := d.Getc(self, m)
		if err != nil {
			return i, err
		}
		buf[i] = byte(c)
	}
	return len(buf), nil
}

func (d *Driver) Seek(m int, offset int64) error {
	return device.ErrNotSupported
}

func (d *Driver) Control(self *kernel.Self, m int, fn int32, a, b uintptr) (int32, error) {
	return 0, device.ErrNotSupported
}

var _ device.Driver = (*Driver)(nil)
