package udp

import (
	"testing"
	"time"

	"github.com/corvid-os/corvid/device"
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
	stack *ipv4.Stack
	pool  *netpkt.Pool
	udp   *Driver
}

func buildHost(t *testing.T, k *kernel.Kernel, name string, ip iface.IPv4Addr, hw iface.HWAddr, link iface.Link, nEndpoints int) *host {
	t.Helper()
	pool, err := netpkt.NewPool(k, 8)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	rt, err := route.NewTable(k)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	log := logging.NewLogger(nil)
	stack := ipv4.NewStack(k, log, interfaces.NoOpObserver{}, pool, rt)
	ifc := iface.NewInterface(name, ip, 24, hw, link, 1500)
	cache := arp.New(k, log, interfaces.NoOpObserver{}, ifc)
	stack.AddInterface(ifc, cache)
	d := NewDriver(k, log, interfaces.NoOpObserver{}, stack, pool, nEndpoints)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

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

	return &host{ifc: ifc, stack: stack, pool: pool, udp: d}
}

func TestSendToRecvFromRoundTrip(t *testing.T) {
	k := testkit.NewKernel(t)
	hwA, hwB := iface.HWAddr{1}, iface.HWAddr{2}
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	a := buildHost(t, k, "a", iface.IPv4Addr{10, 0, 0, 1}, hwA, linkA, 1)
	b := buildHost(t, k, "b", iface.IPv4Addr{10, 0, 0, 2}, hwB, linkB, 1)

	errs := make(chan error, 1)
	testkit.RunThread(t, k, "opener", 20, func(self *kernel.Self) int {
		if err := a.udp.Open(self, 0); err != nil {
			errs <- err
			return 0
		}
		if err := b.udp.Open(self, 0); err != nil {
			errs <- err
			return 0
		}
		if _, err := b.udp.Control(self, 0, CtlBind, 0, 9000); err != nil {
			errs <- err
			return 0
		}
		errs <- nil
		return 0
	})
	if err := <-errs; err != nil {
		t.Fatalf("setup: %v", err)
	}

	recv := make(chan []byte, 1)
	recvErrs := make(chan error, 1)
	testkit.RunThread(t, k, "receiver", 20, func(self *kernel.Self) int {
		payload, srcIP, srcPort, err := b.udp.RecvFrom(self, 0)
		if err != nil {
			recvErrs <- err
			return 0
		}
		if srcIP != a.ifc.IP || srcPort != 5000 {
			recvErrs <- errUnexpectedSender(srcIP, srcPort)
			return 0
		}
		recv <- payload
		return 0
	})

	testkit.RunThread(t, k, "sender", 20, func(self *kernel.Self) int {
		if _, err := a.udp.Control(self, 0, CtlBind, 0, 5000); err != nil {
			t.Errorf("Bind: %v", err)
			return 0
		}
		if _, err := a.udp.SendTo(self, 0, b.ifc.IP, 9000, []byte("ping")); err != nil {
			t.Errorf("SendTo: %v", err)
		}
		return 0
	})

	select {
	case payload := <-recv:
		if string(payload) != "ping" {
			t.Fatalf("RecvFrom payload = %q, want %q", payload, "ping")
		}
	case err := <-recvErrs:
		t.Fatalf("RecvFrom: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never delivered")
	}
}

type senderMismatch struct {
	ip   iface.IPv4Addr
	port uint16
}

func (e senderMismatch) Error() string { return "unexpected sender" }
func errUnexpectedSender(ip iface.IPv4Addr, port uint16) error {
	return senderMismatch{ip, port}
}

func TestNoBlockReturnsImmediatelyOnEmptyQueue(t *testing.T) {
	k := testkit.NewKernel(t)
	link, err := etherloop.New(k, iface.HWAddr{3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := buildHost(t, k, "solo", iface.IPv4Addr{10, 0, 0, 1}, iface.HWAddr{3}, link, 1)

	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		if err := h.udp.Open(self, 0); err != nil {
			done <- err
			return 0
		}
		if _, err := h.udp.Control(self, 0, CtlSetFlag, uintptr(FlagNoBlock), 0); err != nil {
			done <- err
			return 0
		}
		_, _, _, err := h.udp.RecvFrom(self, 0)
		done <- err
		return 0
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("RecvFrom with FlagNoBlock on an empty queue should have returned an error immediately")
		}
	case <-time.After(time.Second):
		t.Fatal("RecvFrom blocked despite FlagNoBlock")
	}
}

func TestCloseWakesBlockedRecvFrom(t *testing.T) {
	k := testkit.NewKernel(t)
	link, err := etherloop.New(k, iface.HWAddr{4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := buildHost(t, k, "solo", iface.IPv4Addr{10, 0, 0, 1}, iface.HWAddr{4}, link, 1)

	opened := make(chan struct{})
	testkit.RunThread(t, k, "opener", 20, func(self *kernel.Self) int {
		if err := h.udp.Open(self, 0); err != nil {
			t.Errorf("Open: %v", err)
		}
		close(opened)
		return 0
	})
	<-opened

	done := make(chan error, 1)
	testkit.RunThread(t, k, "reader", 20, func(self *kernel.Self) int {
		_, _, _, err := h.udp.RecvFrom(self, 0)
		done <- err
		return 0
	})

	testkit.RunThread(t, k, "closer", 20, func(self *kernel.Self) int {
		if err := h.udp.Close(self, 0); err != nil {
			t.Errorf("Close: %v", err)
		}
		return 0
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("RecvFrom returned success on a closed endpoint")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom never woke after Close")
	}
}

func TestMatchLevelOrdersFullOverPartialOverDest(t *testing.T) {
	us := iface.IPv4Addr{10, 0, 0, 1}
	peerX := iface.IPv4Addr{10, 0, 0, 50}
	peerY := iface.IPv4Addr{10, 0, 0, 60}

	listener := &endpoint{state: stateBound, localPort: 53}
	connected := &endpoint{state: stateBound, localPort: 53, remoteIP: peerX, remotePort: 1000}
	portOnly := &endpoint{state: stateBound, localPort: 53, remotePort: 1000}

	// From the connected endpoint's own peer: full > partial > dest.
	if got := matchLevel(connected, us, 53, peerX, 1000); got != 3 {
		t.Errorf("connected endpoint match = %d, want 3 (full)", got)
	}
	if got := matchLevel(portOnly, us, 53, peerX, 1000); got != 2 {
		t.Errorf("port-bound endpoint match = %d, want 2 (partial)", got)
	}
	if got := matchLevel(listener, us, 53, peerX, 1000); got != 1 {
		t.Errorf("wildcard listener match = %d, want 1 (dest)", got)
	}

	// From an unrelated peer the connected endpoint must not match at all,
	// leaving the wildcard listener as the best candidate.
	if got := matchLevel(connected, us, 53, peerY, 2000); got != 0 {
		t.Errorf("connected endpoint matched foreign sender: %d, want 0", got)
	}
	if got := matchLevel(listener, us, 53, peerY, 2000); got != 1 {
		t.Errorf("wildcard listener match for foreign sender = %d, want 1", got)
	}

	// A different local port disqualifies everything.
	if got := matchLevel(listener, us, 54, peerX, 1000); got != 0 {
		t.Errorf("wrong-port match = %d, want 0", got)
	}
}

func TestDoubleOpenRejected(t *testing.T) {
	k := testkit.NewKernel(t)
	link, err := etherloop.New(k, iface.HWAddr{5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := buildHost(t, k, "solo", iface.IPv4Addr{10, 0, 0, 1}, iface.HWAddr{5}, link, 1)

	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		if err := h.udp.Open(self, 0); err != nil {
			done <- err
			return 0
		}
		done <- h.udp.Open(self, 0)
		return 0
	})
	if err := <-done; err != device.ErrAlreadyOpen {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}
}
