// Package uartstub is a minimal UART-shaped driver: enough of a third driver
// family to exercise device.Table's dispatch with a distinct set of control
// codes, without emulating real line discipline or hardware timing. A real
// board's UART driver is out of scope here; this stub stands in for it so
// higher layers (and tests) that expect a character device with IFLAG/OFLAG
// control semantics have something to talk to.
package uartstub

import (
	"sync"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/internal/kernel"
)

// Control function codes.
const (
	CtlSetIflag int32 = iota
	CtlClrIflag
	CtlGetIflag
	CtlSetOflag
	CtlClrOflag
	CtlGetOflag
	CtlOutputIdle
)

type minorState int32

const (
	stateFree minorState = iota
	stateOpen
)

type minor struct {
	mu    sync.Mutex
	state minorState
	iflag uint32
	oflag uint32
	buf   []byte
	head  int
	tail  int
	len   int
}

const defaultBufSize = 128

// Driver is a devtab-installable UART stand-in, one minor per simulated
// serial line.
type Driver struct {
	minors []*minor
}

func NewDriver(n int) *Driver {
	return &Driver{minors: make([]*minor, n)}
}

func (d *Driver) Init() error {
	for i := range d.minors {
		d.minors[i] = &minor{buf: make([]byte, defaultBufSize)}
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
	mn.head, mn.tail, mn.len = 0, 0, 0
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

// Putc is non-blocking: a full buffer simply overwrites the oldest byte, the
// way a UART's hardware FIFO drops input it has no room to hold rather than
// stalling the transmitter.
func (d *Driver) Putc(self *kernel.Self, m int, b byte) error {
	mn, err := d.at(m)
	if err != nil {
		return err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.state != stateOpen {
		return device.ErrNotOpen
	}
	mn.buf[mn.tail] = b
	mn.tail = (mn.tail + 1) % len(mn.buf)
	if mn.len == len(mn.buf) {
		mn.head = (mn.head + 1) % len(mn.buf)
	} else {
		mn.len++
	}
	return nil
}

func (d *Driver) Write(self *kernel.Self, m int, buf []byte) (int, error) {
	for i, b := range buf {
		if err := d.Putc(self, m, b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Getc returns device.ErrNotSupported on an empty buffer instead of
// blocking: this stub has no interrupt source to wake a waiting reader.
func (d *Driver) Getc(self *kernel.Self, m int) (int, error) {
	mn, err := d.at(m)
	if err != nil {
		return 0, err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.state != stateOpen {
		return 0, device.ErrNotOpen
	}
	if mn.len == 0 {
		return 0, device.ErrNotSupported
	}
	b := mn.buf[mn.head]
	mn.head = (mn.head + 1) % len(mn.buf)
	mn.len--
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

// Control implements the IFLAG/OFLAG SET/CLR/GET codes and OUTPUT_IDLE,
// which this stub always reports true for since it never models transmit
// latency.
func (d *Driver) Control(self *kernel.Self, m int, fn int32, a, b uintptr) (int32, error) {
	mn, err := d.at(m)
	if err != nil {
		return 0, err
	}
	mn.mu.Lock()
	defer mn.mu.Unlock()
	switch fn {
	case CtlSetIflag:
		mn.iflag |= uint32(a)
		return 0, nil
	case CtlClrIflag:
		mn.iflag &^= uint32(a)
		return 0, nil
	case CtlGetIflag:
		return int32(mn.iflag), nil
	case CtlSetOflag:
		mn.oflag |= uint32(a)
		return 0, nil
	case CtlClrOflag:
		mn.oflag &^= uint32(a)
		return 0, nil
	case CtlGetOflag:
		return int32(mn.oflag), nil
	case CtlOutputIdle:
		return 1, nil
	default:
		return 0, device.ErrNotSupported
	}
}

var _ device.Driver = (*Driver)(nil)
