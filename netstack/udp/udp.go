// Package udp implements UDP endpoints on top of netstack/ipv4: datagram
// send/receive, best-match demultiplexing among bound endpoints, and a
// devtab-installable Driver exposing BIND/ACCEPT/SETFLAG/CLRFLAG control
// codes so a socket can be driven through the ordinary device call surface
// as well as the richer SendTo/RecvFrom API protocol code uses directly.
package udp

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/ipv4"
)

const headerLen = 8
const pseudoLen = 12 // src ip, dst ip, zero byte, proto, udp length

// MaxDatalen bounds a single datagram's payload; Write splits a longer
// buffer into multiple datagrams of at most this size.
const MaxDatalen = 8192

// Control function codes.
const (
	CtlBind int32 = iota
	CtlAccept
	CtlSetFlag
	CtlClrFlag
)

// Flags.
const (
	FlagNoBlock uint32 = 0x01
	FlagPassive uint32 = 0x02
)

type endpointState int32

const (
	stateFree endpointState = iota
	stateBound
	stateClosed
)

type datagram struct {
	srcIP   iface.IPv4Addr
	dstIP   iface.IPv4Addr
	srcPort uint16
	payload []byte
	raw     []byte // complete UDP datagram (header + payload), for passive reads
}

type endpoint struct {
	mu    sync.Mutex
	state endpointState
	flags uint32

	localIP    iface.IPv4Addr // zero = wildcard
	localPort  uint16
	remoteIP   iface.IPv4Addr // zero = wildcard
	remotePort uint16         // 0 = wildcard

	queue []datagram
	rxSem kernel.SemID
}

const rxQueueCap = 64

// Driver is a devtab-installable table of UDP endpoints, also registered as
// the ipv4 handler for ProtoUDP.
type Driver struct {
	k     *kernel.Kernel
	log   interfaces.Logger
	obs   interfaces.Observer
	stack *ipv4.Stack
	pool  *netpkt.Pool

	mu  sync.Mutex
	eps []*endpoint
}

// NewDriver allocates n endpoint minors and registers the driver as the
// stack's UDP handler.
func NewDriver(k *kernel.Kernel, log interfaces.Logger, obs interfaces.Observer, stack *ipv4.Stack, pool *netpkt.Pool, n int) *Driver {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	d := &Driver{k: k, log: log, obs: obs, stack: stack, pool: pool, eps: make([]*endpoint, n)}
	stack.RegisterHandler(ipv4.ProtoUDP, d.demux)
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

func (d *Driver) Open(self *kernel.Self, m int, args ...interface{}) error {
	ep, err := d.at(m)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == stateBound {
		return device.ErrAlreadyOpen
	}
	ep.state = stateBound
	ep.flags = 0
	ep.localIP = iface.IPv4Addr{}
	ep.localPort = 0
	ep.remoteIP = iface.IPv4Addr{}
	ep.remotePort = 0
	ep.queue = nil
	return nil
}

// Close marks the endpoint closed and wakes any thread blocked in Read so it
// observes the closed state instead of hanging on a buffer that will never
// fill again — the double-check-after-wait discipline every blocking read
// here and in mailbox/semaphore code follows.
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
	ep.state = stateClosed
	ep.mu.Unlock()
	return self.Signal(ep.rxSem)
}

func (d *Driver) Getc(self *kernel.Self, m int) (int, error) { return 0, device.ErrNotSupported }
func (d *Driver) Putc(self *kernel.Self, m int, b byte) error { return device.ErrNotSupported }
func (d *Driver) Seek(m int, offset int64) error              { return device.ErrNotSupported }

// Control implements BIND (a = local IP as big-endian uint32, b = local
// port), ACCEPT (blocks until a datagram arrives on a PASSIVE endpoint and
// latches its sender as the endpoint's remote), and SETFLAG/CLRFLAG (a =
// flag bits).
func (d *Driver) Control(self *kernel.Self, m int, fn int32, a, b uintptr) (int32, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	switch fn {
	case CtlBind:
		ep.mu.Lock()
		binary.BigEndian.PutUint32(ep.localIP[:], uint32(a))
		ep.localPort = uint16(b)
		ep.mu.Unlock()
		return 0, nil
	case CtlSetFlag:
		ep.mu.Lock()
		ep.flags |= uint32(a)
		ep.mu.Unlock()
		return 0, nil
	case CtlClrFlag:
		ep.mu.Lock()
		ep.flags &^= uint32(a)
		ep.mu.Unlock()
		return 0, nil
	case CtlAccept:
		_, srcIP, srcPort, err := d.recvFrom(self, ep)
		if err != nil {
			return 0, err
		}
		ep.mu.Lock()
		ep.remoteIP = srcIP
		ep.remotePort = srcPort
		ep.mu.Unlock()
		return 0, nil
	default:
		return 0, device.ErrNotSupported
	}
}

// Read copies one queued datagram's payload into buf, discarding source
// information; RecvFrom is the richer form protocol code should use.
func (d *Driver) Read(self *kernel.Self, m int, buf []byte) (int, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	payload, _, _, err := d.recvFrom(self, ep)
	if err != nil {
		return 0, err
	}
	return copy(buf, payload), nil
}

// RecvFrom blocks (unless FlagNoBlock is set and the queue is empty) until a
// datagram arrives, returning its payload and sender.
func (d *Driver) RecvFrom(self *kernel.Self, m int) ([]byte, iface.IPv4Addr, uint16, error) {
	ep, err := d.at(m)
	if err != nil {
		return nil, iface.IPv4Addr{}, 0, err
	}
	return d.recvFrom(self, ep)
}

func (d *Driver) recvFrom(self *kernel.Self, ep *endpoint) ([]byte, iface.IPv4Addr, uint16, error) {
	ep.mu.Lock()
	if ep.state != stateBound {
		ep.mu.Unlock()
		return nil, iface.IPv4Addr{}, 0, device.ErrNotOpen
	}
	noBlock := ep.flags&FlagNoBlock != 0
	empty := len(ep.queue) == 0
	ep.mu.Unlock()

	if noBlock && empty {
		return nil, iface.IPv4Addr{}, 0, fmt.Errorf("udp: would block")
	}
	if err := self.Wait(ep.rxSem); err != nil {
		return nil, iface.IPv4Addr{}, 0, err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == stateClosed {
		return nil, iface.IPv4Addr{}, 0, fmt.Errorf("udp: endpoint closed")
	}
	if len(ep.queue) == 0 {
		return nil, iface.IPv4Addr{}, 0, fmt.Errorf("udp: spurious wakeup on empty queue")
	}
	dg := ep.queue[0]
	ep.queue = ep.queue[1:]
	if ep.flags&FlagPassive != 0 && dg.raw != nil {
		return passiveDatagram(dg), dg.srcIP, dg.srcPort, nil
	}
	return dg.payload, dg.srcIP, dg.srcPort, nil
}

// passiveDatagram rebuilds the pseudo-header + UDP header + payload view a
// passive-mode reader expects: the same bytes the checksum is defined over.
func passiveDatagram(dg datagram) []byte {
	out := make([]byte, 0, pseudoLen+len(dg.raw))
	out = append(out, dg.srcIP[:]...)
	out = append(out, dg.dstIP[:]...)
	out = append(out, 0, ipv4.ProtoUDP)
	var ln [2]byte
	putUint16(ln[:], uint16(len(dg.raw)))
	out = append(out, ln[:]...)
	return append(out, dg.raw...)
}

// Write sends buf to the endpoint's connected remote, splitting it into
// chunks of at most MaxDatalen bytes.
func (d *Driver) Write(self *kernel.Self, m int, buf []byte) (int, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	ep.mu.Lock()
	remoteIP, remotePort := ep.remoteIP, ep.remotePort
	ep.mu.Unlock()
	if remotePort == 0 {
		return 0, fmt.Errorf("udp: endpoint not connected")
	}
	return d.sendTo(self, ep, remoteIP, remotePort, buf)
}

// SendTo sends buf to dst, splitting into MaxDatalen chunks, without
// requiring the endpoint to be connected.
func (d *Driver) SendTo(self *kernel.Self, m int, dst iface.IPv4Addr, dstPort uint16, buf []byte) (int, error) {
	ep, err := d.at(m)
	if err != nil {
		return 0, err
	}
	return d.sendTo(self, ep, dst, dstPort, buf)
}

func (d *Driver) sendTo(self *kernel.Self, ep *endpoint, dst iface.IPv4Addr, dstPort uint16, buf []byte) (int, error) {
	ep.mu.Lock()
	if ep.state != stateBound {
		ep.mu.Unlock()
		return 0, device.ErrNotOpen
	}
	srcPort := ep.localPort
	srcIP := ep.localIP // zero lets ipv4 fall back to the egress interface
	passive := ep.flags&FlagPassive != 0
	ep.mu.Unlock()

	if passive {
		return d.sendPassive(self, buf)
	}

	sent := 0
	for sent < len(buf) {
		end := sent + MaxDatalen
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[sent:end]
		pkt, err := d.pool.Get(self)
		if err != nil {
			return sent, err
		}
		if err := encode(pkt, srcPort, dstPort, chunk); err != nil {
			d.pool.Put(pkt)
			return sent, err
		}
		// Send consumes pkt whether or not transmission succeeds.
		if err := d.stack.Send(self, pkt, srcIP, dst, ipv4.ProtoUDP, 64); err != nil {
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

// sendPassive transmits a datagram the caller fully formed: pseudo-header,
// UDP header, payload. The addressing comes out of the caller's own bytes;
// only length consistency is validated before the UDP portion goes out.
func (d *Driver) sendPassive(self *kernel.Self, buf []byte) (int, error) {
	if len(buf) < pseudoLen+headerLen {
		return 0, fmt.Errorf("udp: passive datagram of %d bytes shorter than pseudo-header + header", len(buf))
	}
	udpLen := int(getUint16(buf[pseudoLen+4 : pseudoLen+6]))
	if udpLen != len(buf)-pseudoLen || udpLen > headerLen+MaxDatalen {
		return 0, fmt.Errorf("udp: passive datagram length field %d inconsistent with %d supplied bytes", udpLen, len(buf)-pseudoLen)
	}
	var src, dst iface.IPv4Addr
	copy(src[:], buf[0:4])
	copy(dst[:], buf[4:8])
	pkt, err := d.pool.Get(self)
	if err != nil {
		return 0, err
	}
	b, err := pkt.Prepend(udpLen)
	if err != nil {
		d.pool.Put(pkt)
		return 0, err
	}
	copy(b, buf[pseudoLen:])
	if err := d.stack.Send(self, pkt, src, dst, ipv4.ProtoUDP, 64); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func encode(pkt *netpkt.Packet, srcPort, dstPort uint16, payload []byte) error {
	b, err := pkt.Prepend(headerLen + len(payload))
	if err != nil {
		return err
	}
	putUint16(b[0:2], srcPort)
	putUint16(b[2:4], dstPort)
	putUint16(b[4:6], uint16(headerLen+len(payload)))
	// Zero means "no checksum" for UDP over IPv4; the source address may
	// still be unset here (picked by the IP layer from the egress
	// interface), so the pseudo-header sum cannot be computed yet.
	putUint16(b[6:8], 0)
	copy(b[8:], payload)
	return nil
}

func decode(b []byte) (srcPort, dstPort uint16, payload []byte, err error) {
	if len(b) < headerLen {
		return 0, 0, nil, fmt.Errorf("udp: packet of %d bytes shorter than header", len(b))
	}
	srcPort = getUint16(b[0:2])
	dstPort = getUint16(b[2:4])
	return srcPort, dstPort, b[headerLen:], nil
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getUint16(b []byte) uint16    { return uint16(b[0])<<8 | uint16(b[1]) }

// matchLevel scores how well ep matches an incoming datagram's addressing:
// 3 (FULL) remote IP and port are both bound and both match, 2 (PARTIAL)
// the remote port is bound and matches with the remote IP left wildcard,
// 1 (DEST) nothing about the remote is bound, so only the local side
// qualified the endpoint. An endpoint bound to a different remote than the
// sender does not match at all.
func matchLevel(ep *endpoint, dstIP iface.IPv4Addr, dstPort uint16, srcIP iface.IPv4Addr, srcPort uint16) int {
	if ep.localPort != dstPort {
		return 0
	}
	zero := iface.IPv4Addr{}
	if ep.localIP != zero && ep.localIP != dstIP {
		return 0
	}
	remoteIPBound := ep.remoteIP != zero
	remotePortBound := ep.remotePort != 0
	switch {
	case remoteIPBound && remotePortBound:
		if ep.remoteIP == srcIP && ep.remotePort == srcPort {
			return 3
		}
		return 0
	case remotePortBound:
		if ep.remotePort == srcPort {
			return 2
		}
		return 0
	case remoteIPBound:
		if ep.remoteIP == srcIP {
			return 2
		}
		return 0
	default:
		return 1
	}
}

// demux is the ipv4.Handler registered for ProtoUDP: it finds the
// best-matching bound endpoint and enqueues the datagram, or reports port
// unreachable if none match.
func (d *Driver) demux(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, pkt *netpkt.Packet) {
	srcPort, dstPort, payload, err := decode(pkt.Data())
	if err != nil {
		d.obs.ObservePacket("udp", pkt.Len(), err.Error())
		return
	}

	d.mu.Lock()
	var best *endpoint
	bestLevel := 0
	for _, ep := range d.eps {
		ep.mu.Lock()
		if ep.state == stateBound {
			if lvl := matchLevel(ep, hdr.Dst, dstPort, hdr.Src, srcPort); lvl > bestLevel {
				bestLevel = lvl
				best = ep
			}
		}
		ep.mu.Unlock()
	}
	d.mu.Unlock()

	if best == nil {
		d.obs.ObservePacket("udp", pkt.Len(), "no matching endpoint")
		d.stack.PortUnreachable(self, ifc, hdr, pkt)
		return
	}

	best.mu.Lock()
	if len(best.queue) >= rxQueueCap {
		best.mu.Unlock()
		d.obs.ObservePacket("udp", pkt.Len(), "endpoint queue full")
		return
	}
	dg := datagram{srcIP: hdr.Src, dstIP: hdr.Dst, srcPort: srcPort}
	if best.flags&FlagPassive != 0 {
		dg.raw = append([]byte(nil), pkt.Data()...)
	}
	dg.payload = append([]byte(nil), payload...)
	best.queue = append(best.queue, dg)
	best.mu.Unlock()
	d.obs.ObservePacket("udp", pkt.Len(), "")
	_ = self.Signal(best.rxSem)
}

var _ device.Driver = (*Driver)(nil)
