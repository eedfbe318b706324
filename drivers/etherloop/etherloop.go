// Package etherloop implements an in-memory Ethernet-class link: frames
// written to one end are delivered to the other (or back to the same end,
// for a single unpaired link), through a bounded ring guarded by counting
// semaphores exactly the way the kernel's other producer/consumer structures
// are built. It also exposes three fault-injection control flags (drop the
// next frame, drop all frames, hold the next frame) and a one-frame hold
// buffer a test driver can inspect without consuming it from the normal
// read path.
package etherloop

import (
	"fmt"
	"sync"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/netstack/iface"
)

// Control function codes, dispatched through device.Driver.Control.
const (
	CtlSetFlag int32 = iota
	CtlClrFlag
	CtlGetHold
)

// Flag bits.
const (
	FlagHoldNext uint32 = 0x01
	FlagDropNext uint32 = 0x04
	FlagDropAll  uint32 = 0x08
)

type frame struct {
	src, dst iface.HWAddr
	ethType  uint16
	payload  []byte
}

// Link is one end of a loopback Ethernet segment. Send enqueues onto the
// target's ring (self if unpaired, the partner if NewPair was used); Recv
// dequeues from this end's own ring.
type Link struct {
	k  *kernel.Kernel
	hw iface.HWAddr

	peer *Link // cross-wired partner, nil for a self-loop

	flagMu sync.Mutex
	flags  uint32

	holdMu   sync.Mutex
	held     *frame
	holdSem  kernel.SemID // signaled once per captured hold frame

	ringMu   sync.Mutex
	ring     []frame
	head     int
	tail     int
	countSem kernel.SemID // counts frames available to read
	spaceSem kernel.SemID // counts free ring slots
}

const defaultRingSize = 32

// New creates a self-looping link: anything sent on it can be read back from
// it, the simplest configuration a single character-style test needs.
func New(k *kernel.Kernel, hw iface.HWAddr) (*Link, error) {
	return newLink(k, hw)
}

// NewPair creates two links cross-wired like a crossover cable: frames sent
// on a arrive for reading on b and vice versa. This is the configuration
// ARP resolution tests use to exercise a request/reply exchange between two
// simulated hosts sharing one Ethernet segment.
func NewPair(k *kernel.Kernel, hwA, hwB iface.HWAddr) (a, b *Link, err error) {
	a, err = newLink(k, hwA)
	if err != nil {
		return nil, nil, err
	}
	b, err = newLink(k, hwB)
	if err != nil {
		return nil, nil, err
	}
	a.peer = b
	b.peer = a
	return a, b, nil
}

func newLink(k *kernel.Kernel, hw iface.HWAddr) (*Link, error) {
	countSem, err := k.CreateSem(0)
	if err != nil {
		return nil, fmt.Errorf("etherloop: %w", err)
	}
	spaceSem, err := k.CreateSem(int32(defaultRingSize))
	if err != nil {
		return nil, fmt.Errorf("etherloop: %w", err)
	}
	holdSem, err := k.CreateSem(0)
	if err != nil {
		return nil, fmt.Errorf("etherloop: %w", err)
	}
	return &Link{
		k:        k,
		hw:       hw,
		ring:     make([]frame, defaultRingSize),
		countSem: countSem,
		spaceSem: spaceSem,
		holdSem:  holdSem,
	}, nil
}

func (l *Link) HWAddr() iface.HWAddr { return l.hw }

// target returns the link a frame sent on l should be delivered to.
func (l *Link) target() *Link {
	if l.peer != nil {
		return l.peer
	}
	return l
}

// Send implements iface.Link. DROPALL silently discards every frame;
// DROPNXT discards exactly the next one and clears itself; HOLDNXT diverts
// exactly the next one into the hold buffer instead of the ring, leaving the
// flag cleared afterward.
func (l *Link) Send(self *kernel.Self, dst iface.HWAddr, ethType uint16, payload []byte) error {
	l.flagMu.Lock()
	switch {
	case l.flags&FlagDropAll != 0:
		l.flagMu.Unlock()
		return nil
	case l.flags&FlagDropNext != 0:
		l.flags &^= FlagDropNext
		l.flagMu.Unlock()
		return nil
	case l.flags&FlagHoldNext != 0:
		l.flags &^= FlagHoldNext
		l.flagMu.Unlock()
		fr := frame{src: l.hw, dst: dst, ethType: ethType, payload: append([]byte(nil), payload...)}
		l.holdMu.Lock()
		l.held = &fr
		l.holdMu.Unlock()
		return self.Signal(l.holdSem)
	}
	l.flagMu.Unlock()

	target := l.target()
	fr := frame{src: l.hw, dst: dst, ethType: ethType, payload: append([]byte(nil), payload...)}
	if err := self.Wait(target.spaceSem); err != nil {
		return err
	}
	target.ringMu.Lock()
	target.ring[target.tail] = fr
	target.tail = (target.tail + 1) % len(target.ring)
	target.ringMu.Unlock()
	return self.Signal(target.countSem)
}

// Recv implements iface.Link, blocking until a frame is queued for this end.
func (l *Link) Recv(self *kernel.Self) (iface.HWAddr, uint16, []byte, error) {
	if err := self.Wait(l.countSem); err != nil {
		return iface.HWAddr{}, 0, nil, err
	}
	l.ringMu.Lock()
	fr := l.ring[l.head]
	l.head = (l.head + 1) % len(l.ring)
	l.ringMu.Unlock()
	if err := self.Signal(l.spaceSem); err != nil {
		return iface.HWAddr{}, 0, nil, err
	}
	return fr.src, fr.ethType, fr.payload, nil
}

// Driver adapts a set of Links to device.Driver so the loopback flags and
// hold buffer are reachable through the ordinary device table control path,
// alongside the netstack-facing iface.Link use of the same Links.
type Driver struct {
	links []*Link
}

// NewDriver wraps links for devtab installation, one minor per link in
// order.
func NewDriver(links ...*Link) *Driver {
	return &Driver{links: links}
}

func (d *Driver) Init() error { return nil }

func (d *Driver) link(minor int) (*Link, error) {
	if minor < 0 || minor >= len(d.links) {
		return nil, device.ErrBadMinor
	}
	return d.links[minor], nil
}

func (d *Driver) Open(self *kernel.Self, minor int, args ...interface{}) error {
	_, err := d.link(minor)
	return err
}

func (d *Driver) Close(self *kernel.Self, minor int) error {
	_, err := d.link(minor)
	return err
}

// Read returns one received frame's payload; dst/ethertype are not exposed
// through this narrow byte-stream surface, matching a loopback character
// device's view of the link.
func (d *Driver) Read(self *kernel.Self, minor int, buf []byte) (int, error) {
	l, err := d.link(minor)
	if err != nil {
		return 0, err
	}
	_, _, payload, err := l.Recv(self)
	if err != nil {
		return 0, err
	}
	n := copy(buf, payload)
	return n, nil
}

// Write sends buf as a broadcast frame with ethertype 0 — enough to exercise
// the device dispatch surface; real protocol traffic goes through the
// iface.Link methods directly instead of through devtab write.
func (d *Driver) Write(self *kernel.Self, minor int, buf []byte) (int, error) {
	l, err := d.link(minor)
	if err != nil {
		return 0, err
	}
	if err := l.Send(self, iface.Broadcast, 0, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (d *Driver) Getc(self *kernel.Self, minor int) (int, error) {
	return 0, device.ErrNotSupported
}

func (d *Driver) Putc(self *kernel.Self, minor int, b byte) error {
	return device.ErrNotSupported
}

func (d *Driver) Seek(minor int, offset int64) error {
	return device.ErrNotSupported
}

// Control dispatches CtlSetFlag/CtlClrFlag/CtlGetHold. a carries the flag
// bits for Set/Clr. GetHold copies the held frame's payload into a buffer
// pointed to indirectly isn't expressible through uintptr in idiomatic Go,
// so GetHold instead returns the held payload length and stashes the bytes
// for the caller to retrieve via PeekHold.
func (d *Driver) Control(self *kernel.Self, minor int, fn int32, a, b uintptr) (int32, error) {
	l, err := d.link(minor)
	if err != nil {
		return 0, err
	}
	switch fn {
	case CtlSetFlag:
		l.flagMu.Lock()
		l.flags |= uint32(a)
		l.flagMu.Unlock()
		return 0, nil
	case CtlClrFlag:
		l.flagMu.Lock()
		l.flags &^= uint32(a)
		l.flagMu.Unlock()
		return 0, nil
	case CtlGetHold:
		l.holdMu.Lock()
		n := 0
		if l.held != nil {
			n = len(l.held.payload)
		}
		l.holdMu.Unlock()
		return int32(n), nil
	default:
		return 0, device.ErrNotSupported
	}
}

// PeekHold returns a copy of the currently held frame's payload, if any,
// without releasing the hold slot. GetHold's wait semaphore is not consumed
// here; TakeHold both reads and clears it.
func (l *Link) PeekHold() []byte {
	l.holdMu.Lock()
	defer l.holdMu.Unlock()
	if l.held == nil {
		return nil
	}
	return append([]byte(nil), l.held.payload...)
}

// TakeHold blocks until a held frame is available, then clears and returns
// it.
func (l *Link) TakeHold(self *kernel.Self) ([]byte, error) {
	if err := self.Wait(l.holdSem); err != nil {
		return nil, err
	}
	l.holdMu.Lock()
	defer l.holdMu.Unlock()
	payload := l.held.payload
	l.held = nil
	return payload, nil
}

var _ iface.Link = (*Link)(nil)
var _ device.Driver = (*Driver)(nil)
