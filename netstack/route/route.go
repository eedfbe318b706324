// Package route implements the longest-prefix-match routing table IPv4
// forwarding consults: a small set of destination/mask/gateway entries,
// looked up by scanning for the entry whose mask matches the most
// significant bits, and a daemon that serializes table updates arriving
// from other threads (an ICMP redirect handler, for instance) through a
// single mailbox rather than locking the table directly from arbitrary
// goroutines.
package route

import (
	"fmt"
	"sync"

	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/netstack/iface"
)

// Route is one routing table entry. Gateway is the zero address for an
// on-link (directly connected) route, in which case the destination itself
// is the next hop.
type Route struct {
	Dest    iface.IPv4Addr
	Mask    uint32
	Gateway iface.IPv4Addr
	Iface   *iface.Interface
	Metric  int
}

func (r Route) prefixLen() int {
	n := 0
	m := r.Mask
	for m != 0 {
		n++
		m <<= 1
	}
	return n
}

// updateRequest is the payload rtqueue carries: an add or a delete of
// dest/mask, encoded as a slice index into a side table the daemon owns
// since the kernel's mailbox only carries int32 payloads.
type updateRequest struct {
	del     bool
	route   Route
}

// Table is the routing table plus the mailbox-fed update daemon.
type Table struct {
	k *kernel.Kernel

	mu     sync.RWMutex
	routes []Route

	updMu   sync.Mutex
	pending []updateRequest
	rtqueue kernel.MailboxID
}

// NewTable allocates an empty table with its update mailbox.
func NewTable(k *kernel.Kernel) (*Table, error) {
	mbox, err := k.CreateMailbox(32)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}
	return &Table{k: k, rtqueue: mbox}, nil
}

// Add installs a route directly, pre-masking Dest against Mask the way
// rtAdd normalizes its input so a caller passing an unmasked destination
// (e.g. 10.0.0.5/24) still matches correctly.
func (t *Table) Add(r Route) {
	r.Dest = iface.IPv4FromUint32(r.Dest.Uint32() & r.Mask)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.routes {
		if existing.Dest == r.Dest && existing.Mask == r.Mask {
			t.routes[i] = r
			return
		}
	}
	t.routes = append(t.routes, r)
}

// Remove deletes the route matching dest/mask exactly, if present.
func (t *Table) Remove(dest iface.IPv4Addr, mask uint32) {
	masked := iface.IPv4FromUint32(dest.Uint32() & mask)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.routes {
		if r.Dest == masked && r.Mask == mask {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Lookup returns the longest-prefix-matching route for addr, preferring a
// longer mask and, among equal masks, the lower metric.
func (t *Table) Lookup(addr iface.IPv4Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best Route
	found := false
	for _, r := range t.routes {
		if addr.Uint32()&r.Mask != r.Dest.Uint32() {
			continue
		}
		if !found || r.prefixLen() > best.prefixLen() || (r.prefixLen() == best.prefixLen() && r.Metric < best.Metric) {
			best = r
			found = true
		}
	}
	return best, found
}

// QueueUpdate enqueues an add or delete for the daemon to apply, the async
// path a redirect handler uses instead of taking the table lock from its own
// goroutine directly.
func (t *Table) QueueUpdate(self *kernel.Self, r Route, del bool) error {
	t.updMu.Lock()
	idx := int32(len(t.pending))
	t.pending = append(t.pending, updateRequest{del: del, route: r})
	t.updMu.Unlock()
	return self.MailboxSend(t.rtqueue, idx)
}

// Daemon drains rtqueue forever, applying each queued update to the table.
func (t *Table) Daemon(self *kernel.Self) {
	for {
		idx, err := self.MailboxReceive(t.rtqueue)
		if err != nil {
			return
		}
		t.updMu.Lock()
		if int(idx) < 0 || int(idx) >= len(t.pending) {
			t.updMu.Unlock()
			continue
		}
		req := t.pending[idx]
		t.updMu.Unlock()
		if req.del {
			t.Remove(req.route.Dest, req.route.Mask)
		} else {
			t.Add(req.route)
		}
	}
}
