// Package iface defines the network-interface and link abstractions shared
// by every protocol package and driver, kept dependency-free so ARP, IPv4,
// ICMP, UDP, raw sockets, and the loopback drivers can all depend on it
// without creating an import cycle among themselves.
package iface

import (
	"fmt"

	"github.com/corvid-os/corvid/internal/kernel"
)

// HWAddr is a 6-byte Ethernet-shaped link-layer address.
type HWAddr [6]byte

func (h HWAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", h[0], h[1], h[2], h[3], h[4], h[5])
}

// Broadcast is the all-ones hardware address used for ARP requests.
var Broadcast = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (h HWAddr) IsBroadcast() bool { return h == Broadcast }

// IPv4Addr is a 4-byte network-order address.
type IPv4Addr [4]byte

func (a IPv4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

func (a IPv4Addr) Equal(b IPv4Addr) bool { return a == b }

// Uint32 returns the address as a big-endian uint32, the natural form for
// masking in longest-prefix-match comparisons.
func (a IPv4Addr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func IPv4FromUint32(v uint32) IPv4Addr {
	return IPv4Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// EtherType values used to dispatch an incoming frame.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// Link is the minimal send/receive contract a driver offers an Interface;
// drivers/etherloop is the only implementation in this simulation.
type Link interface {
	HWAddr() HWAddr
	// Send transmits one frame. It may block (e.g. on ring capacity).
	Send(self *kernel.Self, dst HWAddr, ethertype uint16, payload []byte) error
	// Recv blocks until a frame addressed to this link (or broadcast)
	// arrives, returning its source address, ethertype, and payload.
	Recv(self *kernel.Self) (src HWAddr, ethertype uint16, payload []byte, err error)
}

// Interface binds a link to a network identity: its own hardware and
// protocol addresses, its subnet, and an MTU protocol layers must respect
// when framing outgoing packets.
type Interface struct {
	Name      string
	IP        IPv4Addr
	MaskLen   int // prefix length, e.g. 24 for a /24
	Broadcast IPv4Addr
	HW        HWAddr
	Link      Link
	MTU       int
}

// NewInterface derives Broadcast from IP and MaskLen and validates MTU.
func NewInterface(name string, ip IPv4Addr, maskLen int, hw HWAddr, link Link, mtu int) *Interface {
	if mtu <= 0 {
		mtu = 1500
	}
	mask := maskFromLen(maskLen)
	bcast := IPv4FromUint32(ip.Uint32() | ^mask)
	return &Interface{Name: name, IP: ip, MaskLen: maskLen, Broadcast: bcast, HW: hw, Link: link, MTU: mtu}
}

func maskFromLen(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << (32 - n)
}

// Owns reports whether addr names this interface itself or its subnet
// broadcast address — the definition ipv4RecvDemux uses to accept a packet.
func (ifc *Interface) Owns(addr IPv4Addr) bool {
	return addr == ifc.IP || addr == ifc.Broadcast
}

// Mask returns the subnet mask as a uint32, for route/ARP comparisons.
func (ifc *Interface) Mask() uint32 { return maskFromLen(ifc.MaskLen) }
