package icmp

import (
	"testing"
	"time"

	"github.com/corvid-os/corvid/drivers/etherloop"
	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/logging"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/arp"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/ipv4"
	"github.com/corvid-os/corvid/netstack/route"
	"github.com/corvid-os/corvid/testkit"
)

type host struct {
	ifc   *iface.Interface
	cache *arp.Cache
	stack *ipv4.Stack
	pool  *netpkt.Pool
	icmp  *Daemon
}

// recordingObserver captures ObservePacket calls so a test can assert on
// what a layer decided about an incoming packet without a dedicated hook.
type recordingObserver struct {
	interfaces.NoOpObserver
	packets chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{packets: make(chan string, 16)}
}

func (r *recordingObserver) ObservePacket(layer string, bytes int, dropReason string) {
	r.packets <- layer + ":" + dropReason
}

func buildHost(t *testing.T, k *kernel.Kernel, name string, ip iface.IPv4Addr, hw iface.HWAddr, link iface.Link, obs interfaces.Observer) *host {
	t.Helper()
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	pool, err := netpkt.NewPool(k, 8)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	rt, err := route.NewTable(k)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	log := logging.NewLogger(nil)
	stack := ipv4.NewStack(k, log, obs, pool, rt)
	ifc := iface.NewInterface(name, ip, 24, hw, link, 1500)
	cache := arp.New(k, log, interfaces.NoOpObserver{}, ifc)
	stack.AddInterface(ifc, cache)
	d := New(k, log, obs, stack, pool)

	testkit.RunThread(t, k, "pump/"+name, 25, func(self *kernel.Self) int {
		for {
			_, ethType, payload, err := ifc.Link.Recv(self)
			if err != nil {
				return 0
			}
			switch ethType {
			case iface.EtherTypeARP:
				cache.HandleFrame(self, payload)
			case iface.EtherTypeIPv4:
				pkt, err := pool.FromWire(self, payload)
				if err != nil {
					continue
				}
				stack.RecvDemux(self, ifc, pkt)
			}
		}
	})

	return &host{ifc: ifc, cache: cache, stack: stack, pool: pool, icmp: d}
}

func TestPingRoundTrip(t *testing.T) {
	k := testkit.NewKernel(t)
	hwA, hwB := iface.HWAddr{1}, iface.HWAddr{2}
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	a := buildHost(t, k, "a", iface.IPv4Addr{10, 0, 0, 1}, hwA, linkA, nil)
	b := buildHost(t, k, "b", iface.IPv4Addr{10, 0, 0, 2}, hwB, linkB, nil)

	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, 1)
	testkit.RunThread(t, k, "pinger", 20, func(self *kernel.Self) int {
		body, err := a.icmp.Ping(self, b.ifc.IP, 1, []byte("corvid"), 2000)
		results <- result{body, err}
		return 0
	})

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("Ping: %v", r.err)
		}
		got := r.body[12:]
		if string(got) != "corvid" {
			t.Fatalf("echo body = %q, want %q", got, "corvid")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Ping never returned")
	}
}

func TestPingTimesOutAgainstUnresponsivePeer(t *testing.T) {
	k := testkit.NewKernel(t)
	hw := iface.HWAddr{3}
	link, err := etherloop.New(k, hw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := buildHost(t, k, "solo", iface.IPv4Addr{10, 0, 0, 1}, hw, link, nil)

	type result struct {
		err error
	}
	results := make(chan result, 1)
	testkit.RunThread(t, k, "pinger", 20, func(self *kernel.Self) int {
		_, err := a.icmp.Ping(self, iface.IPv4Addr{10, 0, 0, 99}, 1, nil, 200)
		results <- result{err}
		return 0
	})

	select {
	case r := <-results:
		if r.err == nil {
			t.Fatal("Ping succeeded against an address nobody answers for")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ping never returned")
	}
}

func TestTimeExceededDeliveredOnForward(t *testing.T) {
	k := testkit.NewKernel(t)
	hwA, hwB := iface.HWAddr{1}, iface.HWAddr{2}
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	recA := newRecordingObserver()
	a := buildHost(t, k, "a", iface.IPv4Addr{10, 0, 0, 1}, hwA, linkA, recA)
	b := buildHost(t, k, "b", iface.IPv4Addr{10, 0, 0, 2}, hwB, linkB, nil)

	// b's forwarding path issues a TimeExceeded back to a when asked to
	// route a packet whose TTL has already expired.
	errs := make(chan error, 1)
	testkit.RunThread(t, k, "sender", 20, func(self *kernel.Self) int {
		pkt, err := b.pool.Get(self)
		if err != nil {
			errs <- err
			return 0
		}
		hdr := ipv4.Header{TotalLen: ipv4.HeaderLen, TTL: 1, Proto: ipv4.ProtoUDP,
			Src: a.ifc.IP, Dst: iface.IPv4Addr{192, 0, 2, 1}}
		pkt.NetHdr = pkt.Cap()
		b.icmp.TimeExceeded(self, b.ifc, hdr, pkt)
		errs <- nil
		return 0
	})
	if err := <-errs; err != nil {
		t.Fatalf("setup: %v", err)
	}

	// a's stack observes the inbound ICMP message as it is demultiplexed;
	// TimeExceeded/Redirect/DestUnreach carry no registered handler action
	// beyond that observation, so this is the receive-side signal.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-recA.packets:
			if rec == "icmp:received type=11 code=0" {
				return
			}
		case <-deadline:
			t.Fatal("a never observed the forwarded Time Exceeded message")
		}
	}
}
