// Package icmp implements the ICMP messages this stack both originates and
// answers: echo request/reply (ping), destination unreachable, redirect, and
// time exceeded. Outgoing echo requests are tracked in a table keyed by the
// issuing thread's id, following the kernel's explicit-caller discipline,
// so a reply is delivered back to exactly the thread that sent
// the matching request via the kernel's message-passing primitive, not a
// generic subscriber list.
package icmp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/ipv4"
)

// Message types.
const (
	TypeEchoReply   uint8 = 0
	TypeDestUnreach uint8 = 3
	TypeRedirect    uint8 = 5
	TypeEcho        uint8 = 8
	TypeTimeExceeded uint8 = 11
)

// Codes for DestUnreach.
const (
	CodeNetUnreach  uint8 = 0
	CodeHostUnreach uint8 = 1
	CodeProtoUnreach uint8 = 2
	CodePortUnreach uint8 = 3
)

// Codes for Redirect.
const (
	CodeRedirectNet  uint8 = 0
	CodeRedirectHost uint8 = 1
)

// Codes for TimeExceeded.
const CodeTTLExceeded uint8 = 0

const headerLen = 8 // type(1) code(1) checksum(2) + 4 bytes of type-specific data
const embedBytes = 8 // bytes of the original datagram's payload to embed

const msgEchoReply = int32(0x49434d50) // arbitrary non-zero sentinel ("ICMP")

type echoSlot struct {
	mu   sync.Mutex
	pkts [][]byte
}

// Daemon owns the stack's ICMP handling: it is both the ipv4.Handler
// registered for ProtoICMP and the ipv4.ICMPNotifier the forwarding path
// calls into.
type Daemon struct {
	k     *kernel.Kernel
	log   interfaces.Logger
	obs   interfaces.Observer
	stack *ipv4.Stack
	pool  *netpkt.Pool

	echoMu  sync.Mutex
	echoTab map[kernel.ThreadID]*echoSlot
}

// New builds a Daemon and registers it with stack as both the ICMP handler
// and the ICMP notifier for the forwarding path.
func New(k *kernel.Kernel, log interfaces.Logger, obs interfaces.Observer, stack *ipv4.Stack, pool *netpkt.Pool) *Daemon {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	d := &Daemon{k: k, log: log, obs: obs, stack: stack, pool: pool, echoTab: make(map[kernel.ThreadID]*echoSlot)}
	stack.RegisterHandler(ipv4.ProtoICMP, d.handle)
	stack.SetNotifier(d)
	return d
}

func (d *Daemon) slotFor(tid kernel.ThreadID) *echoSlot {
	d.echoMu.Lock()
	defer d.echoMu.Unlock()
	s, ok := d.echoTab[tid]
	if !ok {
		s = &echoSlot{}
		d.echoTab[tid] = s
	}
	return s
}

// Ping sends an echo request to dst carrying payload, then blocks the
// calling thread (self.ID() becomes the echo identifier) for up to
// timeoutMs waiting for the matching reply.
func (d *Daemon) Ping(self *kernel.Self, dst iface.IPv4Addr, seq uint16, payload []byte, timeoutMs int32) ([]byte, error) {
	tid := self.ID()
	slot := d.slotFor(tid)

	pkt, err := d.pool.Get(self)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 12+len(payload))
	now := time.Now()
	var stamp [12]byte
	binary.BigEndian.PutUint64(stamp[0:8], d.k.Ticks())
	binary.BigEndian.PutUint32(stamp[8:12], uint32(now.Unix()))
	body = append(body, stamp[:]...)
	body = append(body, payload...)
	if err := encodeEcho(pkt, TypeEcho, 0, uint16(tid), seq, body); err != nil {
		d.pool.Put(pkt)
		return nil, err
	}
	// Send consumes pkt on success and failure alike.
	if err := d.stack.Send(self, pkt, iface.IPv4Addr{}, dst, ipv4.ProtoICMP, 64); err != nil {
		return nil, err
	}

	msg, ok := self.RecvTime(timeoutMs)
	if !ok || msg != msgEchoReply {
		return nil, fmt.Errorf("icmp: echo request to %s timed out", dst)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if len(slot.pkts) == 0 {
		return nil, fmt.Errorf("icmp: spurious echo wakeup for thread %d", tid)
	}
	reply := slot.pkts[0]
	slot.pkts = slot.pkts[1:]
	return reply, nil
}

// handle is the ipv4.Handler for ProtoICMP: it answers echo requests in
// place and delivers echo replies to whichever thread's Ping is waiting on
// the matching identifier.
func (d *Daemon) handle(self *kernel.Self, ifc *iface.Interface, ipHdr ipv4.Header, pkt *netpkt.Packet) {
	msgType, code, id, seq, body, err := decode(pkt.Data())
	if err != nil {
		d.obs.ObservePacket("icmp", pkt.Len(), err.Error())
		return
	}
	switch msgType {
	case TypeEcho:
		reply, err := d.pool.Get(self)
		if err != nil {
			return
		}
		if err := encodeEcho(reply, TypeEchoReply, 0, id, seq, body); err != nil {
			d.pool.Put(reply)
			return
		}
		if err := d.stack.Send(self, reply, iface.IPv4Addr{}, ipHdr.Src, ipv4.ProtoICMP, 64); err != nil {
			d.log.Warnf("icmp: echo reply to %s: %v", ipHdr.Src, err)
		}
	case TypeEchoReply:
		tid := kernel.ThreadID(id)
		d.echoMu.Lock()
		slot, ok := d.echoTab[tid]
		d.echoMu.Unlock()
		if !ok {
			d.obs.ObservePacket("icmp", pkt.Len(), "reply for unknown echo id")
			return
		}
		slot.mu.Lock()
		slot.pkts = append(slot.pkts, append([]byte(nil), body...))
		slot.mu.Unlock()
		_ = d.k.Send(tid, msgEchoReply)
	case TypeDestUnreach, TypeRedirect, TypeTimeExceeded:
		d.obs.ObservePacket("icmp", pkt.Len(), fmt.Sprintf("received type=%d code=%d", msgType, code))
	default:
		d.obs.ObservePacket("icmp", pkt.Len(), fmt.Sprintf("unhandled type %d", msgType))
	}
}

// TimeExceeded implements ipv4.ICMPNotifier.
func (d *Daemon) TimeExceeded(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, orig *netpkt.Packet) {
	d.sendEmbedded(self, ifc, hdr, orig, TypeTimeExceeded, CodeTTLExceeded, 0)
}

// Redirect implements ipv4.ICMPNotifier.
func (d *Daemon) Redirect(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, orig *netpkt.Packet, gateway iface.IPv4Addr, hostRedirect bool) {
	code := CodeRedirectNet
	if hostRedirect {
		code = CodeRedirectHost
	}
	gw := binary.BigEndian.Uint32(gateway[:])
	d.sendEmbedded(self, ifc, hdr, orig, TypeRedirect, code, gw)
}

// DestUnreachable implements ipv4.ICMPNotifier.
func (d *Daemon) DestUnreachable(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, orig *netpkt.Packet) {
	d.sendEmbedded(self, ifc, hdr, orig, TypeDestUnreach, CodeHostUnreach, 0)
}

// PortUnreachable implements ipv4.ICMPNotifier, used by UDP and raw when a
// datagram matches no local endpoint.
func (d *Daemon) PortUnreachable(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, orig *netpkt.Packet) {
	d.sendEmbedded(self, ifc, hdr, orig, TypeDestUnreach, CodePortUnreach, 0)
}

// sendEmbedded composes an error message embedding the offending header plus
// up to embedBytes of its payload, and sends it back to the original sender.
func (d *Daemon) sendEmbedded(self *kernel.Self, ifc *iface.Interface, hdr ipv4.Header, orig *netpkt.Packet, msgType, code uint8, word4 uint32) {
	embedded := orig.HeaderAndData()
	if embedded == nil {
		// NetHdr was never recorded (caller built orig outside RecvDemux);
		// fall back to whatever payload bytes are left.
		embedded = orig.Data()
	}
	if len(embedded) > ipv4.HeaderLen+embedBytes {
		embedded = embedded[:ipv4.HeaderLen+embedBytes]
	}
	pkt, err := d.pool.Get(self)
	if err != nil {
		return
	}
	b, err := pkt.Prepend(headerLen + len(embedded))
	if err != nil {
		d.pool.Put(pkt)
		return
	}
	b[0] = msgType
	b[1] = code
	putUint16(b[2:4], 0)
	binary.BigEndian.PutUint32(b[4:8], word4)
	copy(b[8:], embedded)
	putUint16(b[2:4], icmpChecksum(b))
	if err := d.stack.Send(self, pkt, iface.IPv4Addr{}, hdr.Src, ipv4.ProtoICMP, 64); err != nil {
		d.log.Warnf("icmp: error message to %s: %v", hdr.Src, err)
	}
}

func encodeEcho(pkt *netpkt.Packet, msgType, code uint8, id, seq uint16, body []byte) error {
	b, err := pkt.Prepend(headerLen + len(body))
	if err != nil {
		return err
	}
	b[0] = msgType
	b[1] = code
	putUint16(b[2:4], 0)
	putUint16(b[4:6], id)
	putUint16(b[6:8], seq)
	copy(b[8:], body)
	putUint16(b[2:4], icmpChecksum(b))
	return nil
}

func decode(b []byte) (msgType, code uint8, id, seq uint16, body []byte, err error) {
	if len(b) < headerLen {
		return 0, 0, 0, 0, nil, fmt.Errorf("icmp: packet of %d bytes shorter than header", len(b))
	}
	msgType = b[0]
	code = b[1]
	id = getUint16(b[4:6])
	seq = getUint16(b[6:8])
	body = b[8:]
	return msgType, code, id, seq, body, nil
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getUint16(b []byte) uint16    { return uint16(b[0])<<8 | uint16(b[1]) }

func icmpChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

var _ ipv4.ICMPNotifier = (*Daemon)(nil)
