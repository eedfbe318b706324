// Package raw implements IP-protocol-number sockets: an endpoint bound to a
// protocol number (and optionally a specific peer) receives every IPv4
// datagram of that protocol ipv4 doesn't hand to a more specific handler
// (ICMP and UDP are typically already registered, so raw endpoints usually
// see protocols neither of those claim). Write supports sending either a
// fully-formed IP datagram the caller already built (OHDR) or a bare payload
// ipv4 should wrap with its own header.
package raw

import (
	"fmt"
	"sync"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/ipv4"
)

// Control function codes.
const (
	CtlBind int32 = iota
	CtlSetOwnHeader
	CtlClrOwnHeader
)

type endpointState int32

const (
	stateFree endpointState = iota
	stateBound
)

type received struct {
	srcIP   iface.IPv4Addr
	payload []byte
}

type endpoint struct {
	mu        sync.Mutex
	state     endpointState
	proto     uint8
	remoteIP  iface.IPv4Addr // zero = wildcard, accept from any sender
	ownHeader bool           // caller supplies the full IP header on Write (OHDR)

	queue []received
	rxSem kernel.SemID
}

const rxQueueCap = 32

// Driver is a devtab-installable table of raw endpoints, one per minor.
// Multiple minors may bind the same protocol number; demux delivers to
// every endpoint whose binding matches, unlike UDP's single best-match.
type Driver struct {
	k     *kernel.Kernel
	log   interfaces.Logger
	obs   interfaces.Observer
	stack *ipv4.Stack
	pool  *netpkt.Pool

	mu  sync.Mutex
	eps []*endpoint
}

func NewDriver(k *kernel.Kernel, log interfaces.Logger, obs interfaces.Observer, stack *ipv4.Stack, pool *netpkt.Pool, n int) *Driver {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	d := &Driver{k: k, log: log, obs: obs, stack: stack, pool: pool, eps: make([]*endpoint, n)}
	return d
}

func (d *Driver) Init() error {
	for i := range d.eps {
		sem, err := d.k.CreateSem(0)
		if err != nil {
			return err
		}
		d.eps[i] = &endpoint{rxSem: sem}
	}
	return nil
}

func (d *Driver) at(m int) (*endpoint, error) {
	if m < 0 || m >= len(d.eps) {
		return nil, device.ErrBadMinor
	}
	return d.eps[m], nil
}

// Open marks minor m bound with OHDR cleared and an empty receive queue. An
// optional first argument of type iface.IPv4Addr names the remote peer the
// endpoint sends to and accepts datagrams from; without it the remote is
// the zero wildcard. The protocol number is set separately with
// Control(CtlBind), which registers demux for it with the stack; demux
// fans out to every matching endpoint.
func (d *Driver) Open(self *kernel.Self, m int, args ...interface{}) error {
	ep, err := d.at(m)
	if err != nil {
		return err
	}
	var remote iface.IPv4Addr
	if len(args) > 0 {
		ip, ok := args[0].(iface.IPv4Addr)
		if !ok {
			return fmt.Errorf("raw: Open argument of type %T is not an iface.IPv4Addr", args[0])
		}
		remote = ip
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == stateBound {
		return device.ErrAlreadyOpen
	}
	ep.state = stateBound
	ep.remoteIP = remote
	ep.ownHeader = false
	ep.queue = nil
	return nil
}

func (d *Driver) Close(self *kernel.Self, m int) error {
	ep, err := d.at(m)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	if ep.state != stateBound {
		ep.mu.Unlock()
		return device.ErrNotOpen
	}
	ep.state = stateFree
	ep.mu.Unlock()
	return self.Signal(ep.rxSem)
}

func (d *Driver) Getc(self *kernel.Self, m int) (int, error)  { return 0, device.ErrNotSupported }
func (d *Driver) Putc(self *kernel.Self, m int, b byte) error { return device.ErrNotSupported }
func (d *Driver) Seek(m int, offset int64) error              { return device.ErrNotSupported }

func (d *Driver) Control(self *kernel.Self, m int, fn int32, a, b uintptr) (int32, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch fn {
	case CtlBind:
		ep.proto = uint8(a)
		d.ensureRegistered(ep.proto)
		return 0, nil
	case CtlSetOwnHeader:
		ep.ownHeader = true
		return 0, nil
	case CtlClrOwnHeader:
		ep.ownHeader = false
		return 0, nil
	default:
		return 0, device.ErrNotSupported
	}
}

// ensureRegistered installs a handler calling demux as the ipv4 handler for
// proto; it runs on every CtlBind. ipv4.Stack.RegisterHandler simply
// overwrites a prior registration for the same protocol, so calling this
// redundantly for an already-registered protocol is harmless.
func (d *Driver) ensureRegistered(proto uint8) {
	d.stack.RegisterHandler(proto, func(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, pkt *netpkt.Packet) {
		d.demux(self, ifc, hdr, pkt, proto)
	})
}

// demux delivers pkt to every bound endpoint whose protocol matches and
// whose remote filter (if any) accepts hdr.Src, queuing a copy for each.
func (d *Driver) demux(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, pkt *netpkt.Packet, proto uint8) {
	d.mu.Lock()
	var matched []*endpoint
	for _, ep := range d.eps {
		ep.mu.Lock()
		if ep.state == stateBound && ep.proto == proto {
			zero := iface.IPv4Addr{}
			if ep.remoteIP == zero || ep.remoteIP == hdr.Src {
				matched = append(matched, ep)
			}
		}
		ep.mu.Unlock()
	}
	d.mu.Unlock()

	if len(matched) == 0 {
		d.obs.ObservePacket("raw", pkt.Len(), "no bound endpoint")
		d.stack.PortUnreachable(self, ifc, hdr, pkt)
		return
	}
	payload := append([]byte(nil), pkt.Data()...)
	for _, ep := range matched {
		ep.mu.Lock()
		if len(ep.queue) >= rxQueueCap {
			ep.mu.Unlock()
			d.obs.ObservePacket("raw", pkt.Len(), "endpoint queue full")
			continue
		}
		ep.queue = append(ep.queue, received{srcIP: hdr.Src, payload: append([]byte(nil), payload...)})
		ep.mu.Unlock()
		_ = self.Signal(ep.rxSem)
	}
	d.obs.ObservePacket("raw", pkt.Len(), "")
}

func (d *Driver) Read(self *kernel.Self, m int, buf []byte) (int, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	if err := self.Wait(ep.rxSem); err != nil {
		return 0, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != stateBound {
		return 0, device.ErrNotOpen
	}
	if len(ep.queue) == 0 {
		return 0, fmt.Errorf("raw: spurious wakeup on empty queue")
	}
	rcv := ep.queue[0]
	ep.queue = ep.queue[1:]
	return copy(buf, rcv.payload), nil
}

// Write sends buf as a raw datagram. When the endpoint has OHDR set (via
// CtlSetOwnHeader), buf is treated as a complete IP datagram the caller
// built itself and handed to the interface's link directly. The packet
// buffer used to stage it is freed whether or not the send succeeds, and
// the final send error (if any) is what Write reports even if an earlier
// step succeeded.
func (d *Driver) Write(self *kernel.Self, m int, buf []byte) (int, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	ep.mu.Lock()
	ownHeader := ep.ownHeader
	proto := ep.proto
	remote := ep.remoteIP
	ep.mu.Unlock()

	pkt, err := d.pool.Get(self)
	if err != nil {
		return 0, err
	}
	b, perr := pkt.Prepend(len(buf))
	if perr != nil {
		d.pool.Put(pkt)
		return 0, perr
	}
	copy(b, buf)

	var sendErr error
	if ownHeader {
		// buf already contains a full IP header; hand it to the owning
		// interface's link unchanged rather than re-wrapping it. The staging
		// buffer is freed whether or not the send succeeds, and Write
		// reports the last error even when the frame made it out.
		rt, ok := d.stack.RouteFor(remote)
		if !ok {
			sendErr = fmt.Errorf("raw: no route to %s", remote)
		} else {
			hw, aerr := d.stack.ResolveFor(self, rt, remote)
			if aerr != nil {
				sendErr = aerr
			} else {
				sendErr = rt.Iface.Link.Send(self, hw, iface.EtherTypeIPv4, pkt.Data())
			}
		}
		d.pool.Put(pkt)
	} else {
		// Stack.Send consumes pkt on every path.
		sendErr = d.stack.Send(self, pkt, iface.IPv4Addr{}, remote, proto, 64)
	}
	if sendErr != nil {
		return 0, sendErr
	}
	return len(buf), nil
}

var _ device.Driver = (*Driver)(nil)
