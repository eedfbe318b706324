// Package netpkt provides the packet buffer every protocol layer builds and
// parses headers against: a fixed-size backing array drawn from a
// kernel.BufPool, with headers prepended downward from a fixed tail so
// encapsulation never reallocates — each layer grows the packet in front of
// the payload that is already there.
package netpkt

import (
	"fmt"

	"github.com/corvid-os/corvid/internal/kernel"
)

// MaxPktLen bounds every packet buffer: large enough for a full Ethernet
// frame (1514 bytes) plus headroom for IPv4/ICMP/UDP headers prepended by
// outbound processing.
const MaxPktLen = 2048

// Packet is one in-flight frame. curr is the offset of the first valid byte;
// Prepend moves curr backward to grow a header in front of the payload that
// is already present. NetHdr optionally records the IPv4 header's offset so
// ICMP and forwarding code can re-locate it without re-parsing.
type Packet struct {
	buf     *kernel.Buf
	curr    int
	length  int
	NetHdr  int // offset of the IPv4 header within buf.Data, -1 if unset
	IfName  string
}

// Pool wraps a kernel.BufPool sized for MaxPktLen packets.
type Pool struct {
	bp *kernel.BufPool
}

// NewPool allocates count packet buffers from k.
func NewPool(k *kernel.Kernel, count int) (*Pool, error) {
	bp, err := k.CreateBufPool(count, MaxPktLen)
	if err != nil {
		return nil, fmt.Errorf("netpkt: %w", err)
	}
	return &Pool{bp: bp}, nil
}

// Get returns an empty packet with its cursor parked at the tail, ready for
// headers to be prepended outward-in (innermost payload first).
func (p *Pool) Get(self *kernel.Self) (*Packet, error) {
	buf, err := p.bp.Get(self)
	if err != nil {
		return nil, err
	}
	return &Packet{buf: buf, curr: len(buf.Data), length: 0, NetHdr: -1}, nil
}

// FromWire builds a packet from bytes already assembled off the wire (e.g. a
// frame a link driver just received), placing them at the tail of a fresh
// buffer so the caller can still prepend synthetic headers if it forwards
// the packet back out.
func (p *Pool) FromWire(self *kernel.Self, data []byte) (*Packet, error) {
	pkt, err := p.Get(self)
	if err != nil {
		return nil, err
	}
	if len(data) > len(pkt.buf.Data) {
		p.Put(pkt)
		return nil, fmt.Errorf("netpkt: frame of %d bytes exceeds buffer capacity %d", len(data), len(pkt.buf.Data))
	}
	start := len(pkt.buf.Data) - len(data)
	copy(pkt.buf.Data[start:], data)
	pkt.curr = start
	pkt.length = len(data)
	return pkt, nil
}

// Put returns pkt's backing buffer to the pool. Callers must not touch pkt
// again afterward.
func (p *Pool) Put(pkt *Packet) error {
	return p.bp.Put(pkt.buf)
}

// Prepend grows the packet by n bytes at the front and returns that region
// for the caller to fill in, matching the contract of a header that writes
// itself in front of an already-built payload. Returns an error if doing so
// would run off the start of the backing buffer.
func (pkt *Packet) Prepend(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("netpkt: negative prepend length %d", n)
	}
	if pkt.curr-n < 0 {
		return nil, fmt.Errorf("netpkt: prepend of %d bytes exceeds buffer headroom (%d available)", n, pkt.curr)
	}
	pkt.curr -= n
	pkt.length += n
	return pkt.buf.Data[pkt.curr : pkt.curr+n], nil
}

// TrimFront discards n bytes from the front of the packet — the inverse of
// Prepend, used when a layer strips its own header before handing the
// remainder to the layer above.
func (pkt *Packet) TrimFront(n int) error {
	if n < 0 || n > pkt.length {
		return fmt.Errorf("netpkt: trim of %d bytes exceeds packet length %d", n, pkt.length)
	}
	pkt.curr += n
	pkt.length -= n
	return nil
}

// Data returns the packet's current valid bytes, header-first.
func (pkt *Packet) Data() []byte {
	return pkt.buf.Data[pkt.curr : pkt.curr+pkt.length]
}

// Len reports the packet's current valid length.
func (pkt *Packet) Len() int { return pkt.length }

// Cap reports how many more bytes could be prepended before running out of
// headroom.
func (pkt *Packet) Cap() int { return pkt.curr }

// HeaderAndData returns the bytes from the recorded NetHdr offset (set by a
// caller like ipv4.RecvDemux before it trims the header off) through the
// packet's current tail — i.e. the network header plus whatever of the
// original datagram is still present, for building ICMP error replies that
// must embed the offending header. Returns nil if NetHdr was never set or
// lies past the tail.
func (pkt *Packet) HeaderAndData() []byte {
	if pkt.NetHdr < 0 || pkt.NetHdr > pkt.curr+pkt.length {
		return nil
	}
	return pkt.buf.Data[pkt.NetHdr : pkt.curr+pkt.length]
}
