// Package device is the driver-indirection layer every I/O-capable subsystem
// dispatches through: a compile-time-style table of named entries, each
// backed by a Driver implementation, with minor-number-scoped per-device
// state owned by the driver itself. Every call — open, close, read, write,
// getc, putc, seek, control — routes through Table rather than touching a
// driver directly, the same indirection a devtab entry provides.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corvid-os/corvid/internal/kernel"
)

// Sentinel errors a Driver should return (or wrap) for the contract
// violations every driver family shares: operating on a closed minor,
// double-opening an already-open one, or naming an operation the driver
// does not support.
var (
	ErrNotOpen       = errors.New("device: minor not open")
	ErrAlreadyOpen   = errors.New("device: minor already open")
	ErrNotSupported  = errors.New("device: operation not supported by this driver")
	ErrBadDescriptor = errors.New("device: invalid descriptor")
	ErrBadMinor      = errors.New("device: invalid minor number")
)

// Descriptor is the handle callers use after Install, opaque outside this
// package.
type Descriptor int32

// Driver is the per-device-family contract a devtab entry dispatches
// through. Every method takes the calling thread's Self explicitly since
// several may block (Read waiting on data, Write waiting on ring capacity).
// Seek never blocks, so it omits Self — the one non-suspending call in the
// table.
type Driver interface {
	// Init prepares the driver's per-minor state before any minor is opened.
	// Called once, at table-build time.
	Init() error
	Open(self *kernel.Self, minor int, args ...interface{}) error
	Close(self *kernel.Self, minor int) error
	Read(self *kernel.Self, minor int, buf []byte) (int, error)
	Write(self *kernel.Self, minor int, buf []byte) (int, error)
	Getc(self *kernel.Self, minor int) (int, error)
	Putc(self *kernel.Self, minor int, b byte) error
	Seek(minor int, offset int64) error
	Control(self *kernel.Self, minor int, fn int32, a, b uintptr) (int32, error)
}

type entry struct {
	name   string
	driver Driver
	minor  int
}

// Table is the device table (devtab): an ordered list of named entries, each
// pairing a Driver with the minor number that entry addresses within it.
// Multiple entries may share one Driver instance (one driver, many minors).
type Table struct {
	mu      sync.RWMutex
	entries []entry
}

// NewTable returns an empty device table.
func NewTable() *Table {
	return &Table{}
}

// Install adds one devtab entry bound to driver's minor, calling driver's
// Init the first time that driver instance appears in the table. Returns the
// Descriptor callers use for every subsequent operation.
func (t *Table) Install(name string, driver Driver, minor int) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.name == name {
			return -1, fmt.Errorf("device: duplicate device name %q", name)
		}
	}
	seen := false
	for _, e := range t.entries {
		if e.driver == driver {
			seen = true
			break
		}
	}
	if !seen {
		if err := driver.Init(); err != nil {
			return -1, fmt.Errorf("device: init %q: %w", name, err)
		}
	}
	t.entries = append(t.entries, entry{name: name, driver: driver, minor: minor})
	return Descriptor(len(t.entries) - 1), nil
}

// Lookup resolves a device by the name it was Installed under, the way a
// driver consults devtab by name before its first use.
func (t *Table) Lookup(name string) (Descriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, e := range t.entries {
		if e.name == name {
			return Descriptor(i), nil
		}
	}
	return -1, fmt.Errorf("device: no such device %q", name)
}

func (t *Table) at(d Descriptor) (entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(d) < 0 || int(d) >= len(t.entries) {
		return entry{}, ErrBadDescriptor
	}
	return t.entries[d], nil
}

func (t *Table) Open(self *kernel.Self, d Descriptor, args ...interface{}) error {
	e, err := t.at(d)
	if err != nil {
		return err
	}
	return e.driver.Open(self, e.minor, args...)
}

func (t *Table) Close(self *kernel.Self, d Descriptor) error {
	e, err := t.at(d)
	if err != nil {
		return err
	}
	return e.driver.Close(self, e.minor)
}

func (t *Table) Read(self *kernel.Self, d Descriptor, buf []byte) (int, error) {
	e, err := t.at(d)
	if err != nil {
		return 0, err
	}
	return e.driver.Read(self, e.minor, buf)
}

func (t *Table) Write(self *kernel.Self, d Descriptor, buf []byte) (int, error) {
	e, err := t.at(d)
	if err != nil {
		return 0, err
	}
	return e.driver.Write(self, e.minor, buf)
}

func (t *Table) Getc(self *kernel.Self, d Descriptor) (int, error) {
	e, err := t.at(d)
	if err != nil {
		return 0, err
	}
	return e.driver.Getc(self, e.minor)
}

func (t *Table) Putc(self *kernel.Self, d Descriptor, b byte) error {
	e, err := t.at(d)
	if err != nil {
		return err
	}
	return e.driver.Putc(self, e.minor, b)
}

func (t *Table) Seek(d Descriptor, offset int64) error {
	e, err := t.at(d)
	if err != nil {
		return err
	}
	return e.driver.Seek(e.minor, offset)
}

func (t *Table) Control(self *kernel.Self, d Descriptor, fn int32, a, b uintptr) (int32, error) {
	e, err := t.at(d)
	if err != nil {
		return 0, err
	}
	return e.driver.Control(self, e.minor, fn, a, b)
}

// Name reports the name a descriptor was Installed under, for logging.
func (t *Table) Name(d Descriptor) string {
	e, err := t.at(d)
	if err != nil {
		return "?"
	}
	return e.name
}
