package raw

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

const testProto uint8 = 253 // reserved for experimentation, per IANA

type host struct {
	ifc   *iface.Interface
	stack *ipv4.Stack
	pool  *netpkt.Pool
	raw   *Driver
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

	return &host{ifc: ifc, stack: stack, pool: pool, raw: d}
}

func TestMultipleEndpointsReceiveTheSameDatagram(t *testing.T) {
	k := testkit.NewKernel(t)
	hwA, hwB := iface.HWAddr{1}, iface.HWAddr{2}
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	a := buildHost(t, k, "a", iface.IPv4Addr{10, 0, 0, 1}, hwA, linkA, 1)
	b := buildHost(t, k, "b", iface.IPv4Addr{10, 0, 0, 2}, hwB, linkB, 2)

	errs := make(chan error, 1)
	testkit.RunThread(t, k, "opener", 20, func(self *kernel.Self) int {
		if err := a.raw.Open(self, 0, b.ifc.IP); err != nil {
			errs <- err
			return 0
		}
		if _, err := a.raw.Control(self, 0, CtlBind, uintptr(testProto), 0); err != nil {
			errs <- err
			return 0
		}
		for m := 0; m < 2; m++ {
			if err := b.raw.Open(self, m); err != nil {
				errs <- err
				return 0
			}
			if _, err := b.raw.Control(self, m, CtlBind, uintptr(testProto), 0); err != nil {
				errs <- err
				return 0
			}
		}
		errs <- nil
		return 0
	})
	if err := <-errs; err != nil {
		t.Fatalf("setup: %v", err)
	}

	recv0 := make(chan []byte, 1)
	recv1 := make(chan []byte, 1)
	testkit.RunThread(t, k, "reader0", 20, func(self *kernel.Self) int {
		buf := make([]byte, 64)
		n, err := b.raw.Read(self, 0, buf)
		if err != nil {
			t.Errorf("Read(0): %v", err)
			return 0
		}
		recv0 <- buf[:n]
		return 0
	})
	testkit.RunThread(t, k, "reader1", 20, func(self *kernel.Self) int {
		buf := make([]byte, 64)
		n, err := b.raw.Read(self, 1, buf)
		if err != nil {
			t.Errorf("Read(1): %v", err)
			return 0
		}
		recv1 <- buf[:n]
		return 0
	})

	testkit.RunThread(t, k, "sender", 20, func(self *kernel.Self) int {
		if _, err := a.raw.Write(self, 0, []byte("fanout")); err != nil {
			t.Errorf("Write: %v", err)
		}
		return 0
	})

	deadline := time.After(2 * time.Second)
	got0, got1 := false, false
	for !got0 || !got1 {
		select {
		case p := <-recv0:
			if string(p) != "fanout" {
				t.Fatalf("endpoint 0 received %q, want %q", p, "fanout")
			}
			got0 = true
		case p := <-recv1:
			if string(p) != "fanout" {
				t.Fatalf("endpoint 1 received %q, want %q", p, "fanout")
			}
			got1 = true
		case <-deadline:
			t.Fatal("not every bound endpoint received the datagram")
		}
	}
}

func TestWriteRequiresBoundRemote(t *testing.T) {
	k := testkit.NewKernel(t)
	link, err := etherloop.New(k, iface.HWAddr{9})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := buildHost(t, k, "solo", iface.IPv4Addr{10, 0, 0, 1}, iface.HWAddr{9}, link, 1)

	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		if err := h.raw.Open(self, 0); err != nil {
			done <- err
			return 0
		}
		if _, err := h.raw.Control(self, 0, CtlBind, uintptr(testProto), 0); err != nil {
			done <- err
			return 0
		}
		// remoteIP is still the zero wildcard; Send should fail to route
		// to it rather than silently succeeding.
		_, err := h.raw.Write(self, 0, []byte("x"))
		done <- err
		return 0
	})
	if err := <-done; err == nil {
		t.Fatal("Write to an unset remote address should have failed")
	}
}
