// Package arp resolves IPv4 addresses to hardware addresses over an
// iface.Link, maintaining a bounded cache of FREE/PENDING/RESOLVED entries
// with a TTL on resolved mappings and a bounded per-entry waiter list. A
// lookup that misses the cache broadcasts a request and blocks the calling
// thread on the kernel's message-passing primitive — RecvTime's built-in
// timeout is exactly the suspend-with-deadline shape a cache miss needs —
// retrying with backoff up to a fixed attempt count before giving up.
package arp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/netstack/iface"
)

// Resolution tunables.
const (
	CacheSize         = 64
	NThreadWait       = 8                 // bounded waiters per entry
	TTLUnresolved     = 3 * time.Second   // time before a pending entry is abandoned
	TTLResolved       = 20 * time.Minute  // how long a resolved mapping is trusted
	MaxLookupAttempts = 4                 // broadcast retries before a lookup gives up
	msgResolved       = int32(0x41525000) // wakeup sentinel sent to blocked lookups
	msgTimeout        = int32(-2)         // wakeup sentinel sent to waiters of an abandoned entry
)

const (
	hwTypeEthernet = 1
	opRequest      = 1
	opReply        = 2
	wireLen        = 28
)

type state int32

const (
	stateFree state = iota
	statePending
	stateResolved
)

type entry struct {
	ip      iface.IPv4Addr
	hw      iface.HWAddr
	st      state
	expires time.Time
	waiters []kernel.ThreadID
}

// Cache resolves addresses reachable over one interface.
type Cache struct {
	k   *kernel.Kernel
	log interfaces.Logger
	obs interfaces.Observer
	ifc *iface.Interface

	mu      sync.Mutex
	entries [CacheSize]*entry
}

// New builds a cache bound to ifc. Call Daemon in its own thread to process
// incoming ARP frames.
func New(k *kernel.Kernel, log interfaces.Logger, obs interfaces.Observer, ifc *iface.Interface) *Cache {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	return &Cache{k: k, log: log, obs: obs, ifc: ifc}
}

func (c *Cache) findLocked(ip iface.IPv4Addr) *entry {
	for _, e := range c.entries {
		if e != nil && e.ip == ip {
			return e
		}
	}
	return nil
}

// allocateLocked returns a FREE slot, evicting the entry with the earliest
// expiration if every slot is in use. Pending entries still inside their
// TTLUnresolved window are never evicted; an expired pending entry is fair
// game, and its abandoned waiters are returned so the caller can wake them
// with the timeout sentinel once the cache lock is released.
func (c *Cache) allocateLocked() (*entry, []kernel.ThreadID, error) {
	for i, e := range c.entries {
		if e == nil {
			e = &entry{}
			c.entries[i] = e
			return e, nil, nil
		}
		if e.st == stateFree {
			*e = entry{}
			return e, nil, nil
		}
	}
	now := time.Now()
	var victim *entry
	for _, e := range c.entries {
		if e.st == statePending && e.expires.After(now) {
			continue
		}
		if victim == nil || e.expires.Before(victim.expires) {
			victim = e
		}
	}
	if victim == nil {
		return nil, nil, fmt.Errorf("arp: cache full, every entry has an active lookup")
	}
	abandoned := victim.waiters
	*victim = entry{}
	return victim, abandoned, nil
}

// Lookup resolves ip to a hardware address, blocking the calling thread
// while a request is outstanding. It retries up to MaxLookupAttempts times
// with exponential backoff between attempts; if the address never answers,
// the pending entry is freed and any other threads still blocked on it are
// woken with the timeout sentinel, so an unreachable address cannot pin a
// cache slot forever.
func (c *Cache) Lookup(self *kernel.Self, ip iface.IPv4Addr) (iface.HWAddr, error) {
	if ip == c.ifc.IP {
		return c.ifc.HW, nil
	}
	traceID := xid.New().String()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 800 * time.Millisecond

	for attempt := 0; attempt < MaxLookupAttempts; attempt++ {
		// Re-find the entry every round: slots are recycled on eviction, so
		// a pointer held across a blocking wait could name someone else's
		// address by the time we wake.
		c.mu.Lock()
		e := c.findLocked(ip)
		var abandoned []kernel.ThreadID
		if e == nil {
			var err error
			e, abandoned, err = c.allocateLocked()
			if err != nil {
				c.mu.Unlock()
				return iface.HWAddr{}, err
			}
			e.ip = ip
			e.st = statePending
			e.expires = time.Now().Add(TTLUnresolved)
		}
		if e.st == stateResolved {
			if time.Now().Before(e.expires) {
				hw := e.hw
				c.mu.Unlock()
				c.wakeTimeout(abandoned)
				return hw, nil
			}
			e.st = statePending
			e.expires = time.Now().Add(TTLUnresolved)
		}
		if len(e.waiters) >= NThreadWait {
			c.mu.Unlock()
			c.wakeTimeout(abandoned)
			return iface.HWAddr{}, fmt.Errorf("arp: too many threads waiting on %s", ip)
		}
		e.waiters = append(e.waiters, self.ID())
		c.mu.Unlock()
		c.wakeTimeout(abandoned)

		if err := c.sendRequest(self, ip); err != nil {
			c.log.Warnf("arp[%s]: request for %s: %v", traceID, ip, err)
		}

		delay := bo.NextBackOff()
		if delay <= 0 {
			delay = bo.MaxInterval
		}
		_, ok := self.RecvTime(int32(delay.Milliseconds()))

		c.mu.Lock()
		e = c.findLocked(ip)
		resolved := false
		var hw iface.HWAddr
		if e != nil {
			for i, w := range e.waiters {
				if w == self.ID() {
					e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
					break
				}
			}
			resolved = e.st == stateResolved && time.Now().Before(e.expires)
			hw = e.hw
		}
		c.mu.Unlock()

		if ok && resolved {
			return hw, nil
		}
	}

	// Give up: free the entry so the slot can be reused, and time out any
	// other threads still blocked on it.
	c.mu.Lock()
	var woken []kernel.ThreadID
	if e := c.findLocked(ip); e != nil && e.st == statePending {
		woken = e.waiters
		*e = entry{}
	}
	c.mu.Unlock()
	c.wakeTimeout(woken)
	return iface.HWAddr{}, fmt.Errorf("arp: could not resolve %s after %d attempts", ip, MaxLookupAttempts)
}

// wakeTimeout delivers the timeout sentinel to threads whose entry was
// abandoned or evicted; each re-checks the cache on waking and fails or
// retries on its own schedule.
func (c *Cache) wakeTimeout(tids []kernel.ThreadID) {
	for _, tid := range tids {
		_ = c.k.Send(tid, msgTimeout)
	}
}

func (c *Cache) sendRequest(self *kernel.Self, target iface.IPv4Addr) error {
	pkt := encode(opRequest, c.ifc.HW, c.ifc.IP, iface.HWAddr{}, target)
	return c.ifc.Link.Send(self, iface.Broadcast, iface.EtherTypeARP, pkt)
}

// HandleFrame processes one ARP frame's payload: updating the cache,
// replying to requests that target this interface's own address, and waking
// any threads blocked in Lookup on a newly resolved entry. The interface's
// link-reader loop calls this for every frame it demultiplexes to
// EtherTypeARP; Cache does not read the link itself; reading it directly
// from here, as a second reader of the same link Recv is meant for only one
// consumer, would race the IPv4 reader for the same frame.
func (c *Cache) HandleFrame(self *kernel.Self, payload []byte) {
	c.obs.ObservePacket("arp", len(payload), "")
	c.handle(self, payload)
}

func (c *Cache) handle(self *kernel.Self, payload []byte) {
	op, sha, spa, tpa, ok := decode(payload)
	if !ok {
		c.obs.ObservePacket("arp", len(payload), "malformed")
		return
	}

	c.mu.Lock()
	e := c.findLocked(spa)
	var abandoned []kernel.ThreadID
	if e == nil {
		var err error
		e, abandoned, err = c.allocateLocked()
		if err == nil {
			e.ip = spa
		}
	}
	var woken []kernel.ThreadID
	if e != nil {
		e.hw = sha
		e.st = stateResolved
		e.expires = time.Now().Add(TTLResolved)
		woken = append(woken, e.waiters...)
		e.waiters = nil
	}
	c.mu.Unlock()

	c.wakeTimeout(abandoned)
	for _, tid := range woken {
		_ = c.k.Send(tid, msgResolved)
	}

	if op == opRequest && tpa == c.ifc.IP {
		reply := encode(opReply, c.ifc.HW, c.ifc.IP, sha, spa)
		if err := c.ifc.Link.Send(self, sha, iface.EtherTypeARP, reply); err != nil {
			c.log.Warnf("arp: reply to %s: %v", spa, err)
		}
	}
}

func encode(op uint16, sha iface.HWAddr, spa iface.IPv4Addr, tha iface.HWAddr, tpa iface.IPv4Addr) []byte {
	b := make([]byte, wireLen)
	binary.BigEndian.PutUint16(b[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], iface.EtherTypeIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], op)
	copy(b[8:14], sha[:])
	copy(b[14:18], spa[:])
	copy(b[18:24], tha[:])
	copy(b[24:28], tpa[:])
	return b
}

func decode(b []byte) (op uint16, sha iface.HWAddr, spa iface.IPv4Addr, tpa iface.IPv4Addr, ok bool) {
	if len(b) < wireLen {
		return 0, sha, spa, tpa, false
	}
	op = binary.BigEndian.Uint16(b[6:8])
	copy(sha[:], b[8:14])
	copy(spa[:], b[14:18])
	copy(tpa[:], b[24:28])
	return op, sha, spa, tpa, true
}
