// Package testkit provides fixtures every netstack package's tests share: a
// running test Kernel and a pair of loopback-linked interfaces standing in
// for two hosts on one Ethernet segment, so individual tests don't each
// reimplement the same plumbing.
package testkit

import (
	"testing"

	"github.com/corvid-os/corvid/drivers/etherloop"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/logging"
	"github.com/corvid-os/corvid/netstack/iface"
)

// NewKernel builds and starts a Kernel sized for unit tests, stopping it
// automatically at test cleanup.
func NewKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := kernel.Config{
		NThread:          64,
		NCore:            2,
		NSem:             64,
		NMonitor:         16,
		NMutex:           16,
		NMailbox:         16,
		ClockTicksPerSec: 1000,
		HeapBytes:        1 << 20,
	}
	k := kernel.New(cfg, logging.NewLogger(nil).WithPrefix("testkit"), nil)
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

// HostPair is two simulated hosts sharing one Ethernet segment: A and B are
// cross-wired so a frame sent from one arrives for the other to read.
type HostPair struct {
	A, B *iface.Interface
}

// NewHostPair wires two interfaces with distinct addresses on the given
// subnet (e.g. 24 for a /24) onto a crossover loopback link.
func NewHostPair(t *testing.T, k *kernel.Kernel, subnetMaskLen int, ipA, ipB iface.IPv4Addr, hwA, hwB iface.HWAddr) HostPair {
	t.Helper()
	linkA, linkB, err := etherloop.NewPair(k, hwA, hwB)
	if err != nil {
		t.Fatalf("testkit: NewPair: %v", err)
	}
	return HostPair{
		A: iface.NewInterface("hostA", ipA, subnetMaskLen, hwA, linkA, 1500),
		B: iface.NewInterface("hostB", ipB, subnetMaskLen, hwB, linkB, 1500),
	}
}

// RunThread creates and readies a thread in k, the way any daemon (ARP
// cache, route table, ICMP) is started in production code, returning its id
// for tests that need to assert on thread state afterward.
func RunThread(t *testing.T, k *kernel.Kernel, name string, priority int32, fn func(self *kernel.Self) int) kernel.ThreadID {
	t.Helper()
	tid, err := k.CreateThread(name, priority, 0, fn)
	if err != nil {
		t.Fatalf("testkit: CreateThread %s: %v", name, err)
	}
	k.Ready(tid)
	return tid
}
