// Package ipv4 implements IPv4 header encode/validate/demultiplex and the
// forwarding decision a router makes for a packet not addressed to itself:
// route lookup, TTL decrement (emitting a Time Exceeded on expiry via the
// registered ICMPNotifier), next-hop ARP resolution, and the same-interface
// Redirect a router emits when it forwards a packet back out the interface
// it arrived on.
package ipv4

import (
	"fmt"
	"sync/atomic"

	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/arp"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/route"
)

const (
	HeaderLen = 20
	version4  = 4

	ProtoICMP = 1
	ProtoUDP  = 17
)

// Header is the decoded form of an IPv4 header. Emitted packets always
// carry the option-less 20-byte form, but received ones may legally run up
// to 15 words; HdrLen records the on-wire header size in bytes so receive
// paths strip and checksum the right span.
type Header struct {
	HdrLen   int // IHL * 4: 20 for packets this stack emits
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FlagFrag uint16
	TTL      uint8
	Proto    uint8
	Checksum uint16
	Src      iface.IPv4Addr
	Dst      iface.IPv4Addr
}

// Handler processes a demultiplexed payload for one protocol number.
type Handler func(self *kernel.Self, ifc *iface.Interface, hdr Header, pkt *netpkt.Packet)

// ICMPNotifier is the narrow interface the forwarding path uses to emit
// Time Exceeded, Redirect, and Destination Unreachable without ipv4 needing
// to import icmp directly (icmp imports ipv4 to build those messages, so the
// dependency only runs one way).
type ICMPNotifier interface {
	TimeExceeded(self *kernel.Self, ifc *iface.Interface, hdr Header, orig *netpkt.Packet)
	Redirect(self *kernel.Self, ifc *iface.Interface, hdr Header, orig *netpkt.Packet, gateway iface.IPv4Addr, hostRedirect bool)
	DestUnreachable(self *kernel.Self, ifc *iface.Interface, hdr Header, orig *netpkt.Packet)
	PortUnreachable(self *kernel.Self, ifc *iface.Interface, hdr Header, orig *netpkt.Packet)
}

// Stack ties together the packet pool, the routing table, one ARP cache per
// interface, and the protocol handler registry.
type Stack struct {
	k    *kernel.Kernel
	log  interfaces.Logger
	obs  interfaces.Observer
	pool *netpkt.Pool
	rt   *route.Table

	arps map[string]*arp.Cache
	ifcs map[string]*iface.Interface

	handlers map[uint8]Handler
	notifier ICMPNotifier

	nextID uint32
}

// NewStack builds a stack with no interfaces or handlers registered yet.
func NewStack(k *kernel.Kernel, log interfaces.Logger, obs interfaces.Observer, pool *netpkt.Pool, rt *route.Table) *Stack {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	return &Stack{
		k: k, log: log, obs: obs, pool: pool, rt: rt,
		arps:     make(map[string]*arp.Cache),
		ifcs:     make(map[string]*iface.Interface),
		handlers: make(map[uint8]Handler),
	}
}

// AddInterface registers ifc (keyed by name) along with the ARP cache
// resolving next hops reachable through it, and installs a directly
// connected /MaskLen route for its subnet.
func (s *Stack) AddInterface(ifc *iface.Interface, arpCache *arp.Cache) {
	s.ifcs[ifc.Name] = ifc
	s.arps[ifc.Name] = arpCache
	s.rt.Add(route.Route{Dest: ifc.IP, Mask: ifc.Mask(), Iface: ifc, Metric: 0})
}

// SetNotifier wires the ICMP layer in once it exists; constructing icmp
// requires a *Stack, so this must be called after both are built.
func (s *Stack) SetNotifier(n ICMPNotifier) { s.notifier = n }

// RouteFor exposes a routing lookup for transport layers (raw's OHDR write
// path) that must pick an outbound interface without going through Send's
// own header construction.
func (s *Stack) RouteFor(dst iface.IPv4Addr) (route.Route, bool) {
	return s.rt.Lookup(dst)
}

// ResolveFor resolves rt's next hop to a hardware address, for callers that
// already have a route from RouteFor.
func (s *Stack) ResolveFor(self *kernel.Self, rt route.Route, dst iface.IPv4Addr) (iface.HWAddr, error) {
	nextHop := dst
	zero := iface.IPv4Addr{}
	if rt.Gateway != zero {
		nextHop = rt.Gateway
	}
	return s.arps[rt.Iface.Name].Lookup(self, nextHop)
}

// PortUnreachable lets a transport-layer handler (UDP, raw) report a
// datagram that matched no local endpoint without importing icmp directly.
func (s *Stack) PortUnreachable(self *kernel.Self, ifc *iface.Interface, hdr Header, pkt *netpkt.Packet) {
	if s.notifier != nil {
		s.notifier.PortUnreachable(self, ifc, hdr, pkt)
	}
}

// RegisterHandler binds a protocol number (ProtoICMP, ProtoUDP, or a raw
// registrant's own number) to the function demultiplexed packets for it are
// delivered to.
func (s *Stack) RegisterHandler(proto uint8, h Handler) {
	s.handlers[proto] = h
}

func (s *Stack) ownsLocally(dst iface.IPv4Addr) (*iface.Interface, bool) {
	for _, ifc := range s.ifcs {
		if ifc.Owns(dst) {
			return ifc, true
		}
	}
	return nil, false
}

// Send prepends an IPv4 header to pkt (which must already hold its
// upper-layer payload) and transmits it toward dst, resolving the outbound
// interface and next-hop hardware address via the routing table and ARP.
// Send consumes pkt: the link copies the frame, so the buffer returns to the
// pool whether or not transmission succeeds, and the caller must not touch
// pkt afterward.
func (s *Stack) Send(self *kernel.Self, pkt *netpkt.Packet, src, dst iface.IPv4Addr, proto uint8, ttl uint8) error {
	defer s.pool.Put(pkt)
	rt, ok := s.rt.Lookup(dst)
	if !ok {
		return fmt.Errorf("ipv4: no route to %s", dst)
	}
	nextHop := dst
	zero := iface.IPv4Addr{}
	if rt.Gateway != zero {
		nextHop = rt.Gateway
	}
	arpCache := s.arps[rt.Iface.Name]
	hw, err := arpCache.Lookup(self, nextHop)
	if err != nil {
		return fmt.Errorf("ipv4: resolve %s: %w", nextHop, err)
	}
	if src == zero {
		src = rt.Iface.IP
	}
	if ttl == 0 {
		ttl = 64
	}
	hdr := Header{TotalLen: uint16(HeaderLen + pkt.Len()), ID: uint16(atomic.AddUint32(&s.nextID, 1)), TTL: ttl, Proto: proto, Src: src, Dst: dst}
	if err := encode(pkt, hdr); err != nil {
		return err
	}
	s.obs.ObservePacket("ipv4", pkt.Len(), "")
	return rt.Iface.Link.Send(self, hw, iface.EtherTypeIPv4, pkt.Data())
}

func encode(pkt *netpkt.Packet, hdr Header) error {
	b, err := pkt.Prepend(HeaderLen)
	if err != nil {
		return fmt.Errorf("ipv4: %w", err)
	}
	b[0] = version4<<4 | 5
	b[1] = hdr.TOS
	putUint16(b[2:4], hdr.TotalLen)
	putUint16(b[4:6], hdr.ID)
	putUint16(b[6:8], hdr.FlagFrag)
	b[8] = hdr.TTL
	b[9] = hdr.Proto
	putUint16(b[10:12], 0)
	copy(b[12:16], hdr.Src[:])
	copy(b[16:20], hdr.Dst[:])
	putUint16(b[10:12], checksum(b[:HeaderLen]))
	return nil
}

func decode(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("ipv4: packet of %d bytes shorter than header", len(b))
	}
	var hdr Header
	ver := b[0] >> 4
	ihl := int(b[0] & 0x0f)
	if ver != version4 {
		return hdr, fmt.Errorf("ipv4: unsupported version %d", ver)
	}
	if ihl < 5 || ihl > 15 {
		return hdr, fmt.Errorf("ipv4: header length %d words out of range [5,15]", ihl)
	}
	hdr.HdrLen = ihl * 4
	if len(b) < hdr.HdrLen {
		return hdr, fmt.Errorf("ipv4: packet of %d bytes shorter than its %d-byte header", len(b), hdr.HdrLen)
	}
	hdr.TOS = b[1]
	hdr.TotalLen = getUint16(b[2:4])
	hdr.ID = getUint16(b[4:6])
	hdr.FlagFrag = getUint16(b[6:8])
	hdr.TTL = b[8]
	hdr.Proto = b[9]
	hdr.Checksum = getUint16(b[10:12])
	copy(hdr.Src[:], b[12:16])
	copy(hdr.Dst[:], b[16:20])
	return hdr, nil
}

// RecvValid checks version, header length (5 to 15 words, so datagrams
// carrying IP options are accepted), total-length consistency, and the
// checksum over the full IHL*4 header span — the gate every incoming frame
// must pass before demultiplexing.
func RecvValid(pkt *netpkt.Packet) (Header, error) {
	data := pkt.Data()
	hdr, err := decode(data)
	if err != nil {
		return hdr, err
	}
	if int(hdr.TotalLen) < hdr.HdrLen {
		return hdr, fmt.Errorf("ipv4: total length %d shorter than %d-byte header", hdr.TotalLen, hdr.HdrLen)
	}
	if int(hdr.TotalLen) > len(data) {
		return hdr, fmt.Errorf("ipv4: total length %d exceeds frame of %d bytes", hdr.TotalLen, len(data))
	}
	if checksum(data[:hdr.HdrLen]) != 0 {
		return hdr, fmt.Errorf("ipv4: header checksum mismatch")
	}
	return hdr, nil
}

// RecvDemux validates pkt, then either delivers it to the registered handler
// for its protocol (if addressed to one of this stack's interfaces) or
// forwards it, applying TTL expiry, same-interface redirect detection, and
// missing-route unreachable notification along the way. RecvDemux consumes
// pkt on every path: handlers copy what they keep, notifiers copy what they
// embed, and the buffer returns to the pool before this call returns.
func (s *Stack) RecvDemux(self *kernel.Self, inIfc *iface.Interface, pkt *netpkt.Packet) {
	defer s.pool.Put(pkt)
	hdr, err := RecvValid(pkt)
	if err != nil {
		s.obs.ObservePacket("ipv4", pkt.Len(), err.Error())
		return
	}
	pkt.NetHdr = pkt.Cap()
	if err := pkt.TrimFront(hdr.HdrLen); err != nil {
		s.obs.ObservePacket("ipv4", pkt.Len(), err.Error())
		return
	}

	if _, local := s.ownsLocally(hdr.Dst); local {
		h, ok := s.handlers[hdr.Proto]
		if !ok {
			s.obs.ObservePacket("ipv4", pkt.Len(), "no handler for protocol")
			if s.notifier != nil {
				s.notifier.DestUnreachable(self, inIfc, hdr, pkt)
			}
			return
		}
		h(self, inIfc, hdr, pkt)
		return
	}

	s.forward(self, inIfc, hdr, pkt)
}

// forward routes a transit packet. pkt is still owned by RecvDemux's
// deferred Put; the notifiers only read it.
func (s *Stack) forward(self *kernel.Self, inIfc *iface.Interface, hdr Header, pkt *netpkt.Packet) {
	if hdr.TTL <= 1 {
		if s.notifier != nil {
			s.notifier.TimeExceeded(self, inIfc, hdr, pkt)
		}
		return
	}
	rt, ok := s.rt.Lookup(hdr.Dst)
	if !ok {
		if s.notifier != nil {
			s.notifier.DestUnreachable(self, inIfc, hdr, pkt)
		}
		return
	}
	nextHop := hdr.Dst
	zero := iface.IPv4Addr{}
	if rt.Gateway != zero {
		nextHop = rt.Gateway
	}
	if rt.Iface == inIfc && s.notifier != nil {
		hostRedirect := rt.Mask == 0xffffffff
		s.notifier.Redirect(self, inIfc, hdr, pkt, nextHop, hostRedirect)
	}
	arpCache := s.arps[rt.Iface.Name]
	hw, err := arpCache.Lookup(self, nextHop)
	if err != nil {
		s.obs.ObservePacket("ipv4", pkt.Len(), "arp resolve failed")
		return
	}
	hdr.TTL--
	// Re-encode emits the option-less 20-byte header, so the total length
	// must be recomputed for datagrams that arrived carrying options.
	hdr.TotalLen = uint16(HeaderLen + pkt.Len())
	if err := encode(pkt, hdr); err != nil {
		s.obs.ObservePacket("ipv4", pkt.Len(), err.Error())
		return
	}
	if err := rt.Iface.Link.Send(self, hw, iface.EtherTypeIPv4, pkt.Data()); err != nil {
		s.obs.ObservePacket("ipv4", pkt.Len(), err.Error())
	}
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getUint16(b []byte) uint16    { return uint16(b[0])<<8 | uint16(b[1]) }

// checksum computes the IPv4 ones-complement checksum over b (b's own
// checksum field must be zeroed by the caller first when computing a
// checksum to write; RecvValid calls it with the field as received, so a
// valid packet sums to zero).
func checksum(b []byte) uint16 {
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
