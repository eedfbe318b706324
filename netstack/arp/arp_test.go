package arp

import (
	"testing"
	"time"

	"github.com/corvid-os/corvid/drivers/etherloop"
	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/logging"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/testkit"
)

// pump reads frames off ifc's link forever, handing ARP frames to cache —
// standing in for the per-interface reader loop the root façade owns in
// production, since Cache no longer reads its link directly.
func pump(self *kernel.Self, ifc *iface.Interface, cache *Cache) {
	for {
		_, ethType, payload, err := ifc.Link.Recv(self)
		if err != nil {
			return
		}
		if ethType == iface.EtherTypeARP {
			cache.HandleFrame(self, payload)
		}
	}
}

func TestLookupOwnAddressIsImmediate(t *testing.T) {
	k := testkit.NewKernel(t)
	linkA, err := etherloop.New(k, iface.HWAddr{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ifcA := iface.NewInterface("a", iface.IPv4Addr{10, 0, 0, 1}, 24, iface.HWAddr{1}, linkA, 1500)
	cache := New(k, logging.NewLogger(nil), interfaces.NoOpObserver{}, ifcA)

	result := make(chan iface.HWAddr, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		hw, err := cache.Lookup(self, ifcA.IP)
		if err != nil {
			t.Errorf("Lookup: %v", err)
			return 0
		}
		result <- hw
		return 0
	})
	if got := <-result; got != ifcA.HW {
		t.Fatalf("Lookup(own IP) = %v, want %v", got, ifcA.HW)
	}
}

func TestLookupResolvesAcrossPair(t *testing.T) {
	k := testkit.NewKernel(t)
	hwA := iface.HWAddr{1}
	hwB := iface.HWAddr{2}
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	ifcA := iface.NewInterface("a", iface.IPv4Addr{10, 0, 0, 1}, 24, hwA, linkA, 1500)
	ifcB := iface.NewInterface("b", iface.IPv4Addr{10, 0, 0, 2}, 24, hwB, linkB, 1500)
	cacheA := New(k, logging.NewLogger(nil), interfaces.NoOpObserver{}, ifcA)
	cacheB := New(k, logging.NewLogger(nil), interfaces.NoOpObserver{}, ifcB)

	testkit.RunThread(t, k, "pumpA", 25, func(self *kernel.Self) int { pump(self, ifcA, cacheA); return 0 })
	testkit.RunThread(t, k, "pumpB", 25, func(self *kernel.Self) int { pump(self, ifcB, cacheB); return 0 })

	result := make(chan iface.HWAddr, 1)
	errs := make(chan error, 1)
	testkit.RunThread(t, k, "lookup", 20, func(self *kernel.Self) int {
		hw, err := cacheA.Lookup(self, ifcB.IP)
		if err != nil {
			errs <- err
			return 0
		}
		result <- hw
		return 0
	})

	select {
	case err := <-errs:
		t.Fatalf("Lookup: %v", err)
	case got := <-result:
		if got != hwB {
			t.Fatalf("Lookup(ifcB.IP) = %v, want %v", got, hwB)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lookup never resolved")
	}
}

func TestLookupUnreachableFails(t *testing.T) {
	k := testkit.NewKernel(t)
	link, err := etherloop.New(k, iface.HWAddr{9})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ifc := iface.NewInterface("solo", iface.IPv4Addr{10, 0, 0, 1}, 24, iface.HWAddr{9}, link, 1500)
	cache := New(k, logging.NewLogger(nil), interfaces.NoOpObserver{}, ifc)

	// No peer is wired, and no pump drains the self-loop, so requests are
	// never answered; Lookup must give up after MaxLookupAttempts instead
	// of blocking forever.
	errs := make(chan error, 1)
	testkit.RunThread(t, k, "lookup", 20, func(self *kernel.Self) int {
		_, err := cache.Lookup(self, iface.IPv4Addr{10, 0, 0, 99})
		errs <- err
		return 0
	})

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("Lookup succeeded against an address nobody answers for")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lookup never returned")
	}
}
