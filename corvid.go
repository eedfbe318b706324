package corvid

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/corvid-os/corvid/device"
	"github.com/corvid-os/corvid/drivers/loopchar"
	"github.com/corvid-os/corvid/drivers/uartstub"
	"github.com/corvid-os/corvid/internal/interfaces"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/netpkt"
	"github.com/corvid-os/corvid/netstack/arp"
	"github.com/corvid-os/corvid/netstack/icmp"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/ipv4"
	"github.com/corvid-os/corvid/netstack/raw"
	"github.com/corvid-os/corvid/netstack/route"
	"github.com/corvid-os/corvid/netstack/udp"
)

// Config sizes every table the Machine's kernel owns plus the
// simulation-wide tunables cmd/corvidsim exposes as flags.
type Config struct {
	Kernel       kernel.Config
	PacketPool   int
	UDPEndpoints int
	RawEndpoints int
	CharMinors   int
	UARTMinors   int
}

// DefaultConfig sizes a Machine for a handful of simulated hosts and
// sockets running concurrently.
func DefaultConfig() Config {
	return Config{
		Kernel: kernel.Config{
			NThread:          DefaultThreadTableSize,
			NCore:            DefaultCoreCount,
			NSem:             DefaultSemaphoreCount,
			NMonitor:         DefaultMonitorCount,
			NMutex:           DefaultMutexCount,
			NMailbox:         DefaultMailboxCount,
			ClockTicksPerSec: DefaultClockTicksPerSec,
			HeapBytes:        DefaultHeapBytes,
		},
		PacketPool:   DefaultPacketPoolSize,
		UDPEndpoints: DefaultUDPEndpoints,
		RawEndpoints: DefaultRawEndpoints,
		CharMinors:   DefaultCharMinors,
		UARTMinors:   DefaultUARTMinors,
	}
}

// Machine is one bootable simulated node: its kernel, device table, network
// stack, and the daemons that keep ARP and routing alive. cmd/corvidsim
// constructs exactly one and attaches both simulated hosts' interfaces to it.
type Machine struct {
	K       *kernel.Kernel
	Devices *device.Table
	Pool    *netpkt.Pool
	Routes  *route.Table
	Stack   *ipv4.Stack
	ICMP    *icmp.Daemon
	UDP     *udp.Driver
	Raw     *raw.Driver
	Metrics *Metrics

	log  interfaces.Logger
	arps map[string]*arp.Cache
}

// NewMachine builds every table and the IPv4/ICMP/UDP/raw stack, but starts
// no daemon threads and has no interfaces yet — call AddInterface for each
// link the topology needs, then Start.
func NewMachine(cfg Config, log interfaces.Logger) (*Machine, error) {
	metrics := NewMetrics()
	k := kernel.New(cfg.Kernel, log, metrics)

	pool, err := netpkt.NewPool(k, cfg.PacketPool)
	if err != nil {
		return nil, WrapError("machine.new", err)
	}
	routes, err := route.NewTable(k)
	if err != nil {
		return nil, WrapError("machine.new", err)
	}
	stack := ipv4.NewStack(k, log, metrics, pool, routes)
	icmpDaemon := icmp.New(k, log, metrics, stack, pool)
	udpDriver := udp.NewDriver(k, log, metrics, stack, pool, cfg.UDPEndpoints)
	rawDriver := raw.NewDriver(k, log, metrics, stack, pool, cfg.RawEndpoints)

	devices := device.NewTable()
	loopcharDriver := loopchar.NewDriver(k, cfg.CharMinors)
	uartDriver := uartstub.NewDriver(cfg.UARTMinors)

	// Installing these three independent drivers concurrently is a small,
	// genuine fan-out: each Init only touches its own driver's tables, and
	// a failure in one shouldn't block observing failures in the others.
	var eg errgroup.Group
	eg.Go(func() error {
		_, err := devices.Install("udp", udpDriver, 0)
		return err
	})
	eg.Go(func() error {
		for i := 0; i < cfg.CharMinors; i++ {
			if _, err := devices.Install(fmt.Sprintf("loopchar%d", i), loopcharDriver, i); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for i := 0; i < cfg.UARTMinors; i++ {
			if _, err := devices.Install(fmt.Sprintf("uart%d", i), uartDriver, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, WrapError("machine.new", err)
	}
	if _, err := devices.Install("raw", rawDriver, 0); err != nil {
		return nil, WrapError("machine.new", err)
	}

	return &Machine{
		K: k, Devices: devices, Pool: pool, Routes: routes, Stack: stack,
		ICMP: icmpDaemon, UDP: udpDriver, Raw: rawDriver, Metrics: metrics,
		log: log, arps: make(map[string]*arp.Cache),
	}, nil
}

// AddInterface registers ifc with the IPv4 stack and starts the single
// reader thread that pumps its link: every received frame is demultiplexed
// by ethertype to either the ARP cache or the IPv4 stack, since a link's
// Recv has exactly one consumer. Call this once per interface before Start.
func (m *Machine) AddInterface(ifc *iface.Interface) {
	cache := arp.New(m.K, m.log, m.Metrics, ifc)
	m.Stack.AddInterface(ifc, cache)
	m.arps[ifc.Name] = cache
	tid, err := m.K.CreateThread("rx/"+ifc.Name, 30, 0, func(self *kernel.Self) int {
		m.readLoop(self, ifc, cache)
		return 0
	})
	if err == nil {
		m.K.Ready(tid)
	}
}

// readLoop is the per-interface link reader: it never returns except on a
// link error, since the link is torn down along with the Machine.
func (m *Machine) readLoop(self *kernel.Self, ifc *iface.Interface, cache *arp.Cache) {
	for {
		_, ethType, payload, err := ifc.Link.Recv(self)
		if err != nil {
			m.log.Errorf("corvid: %s: link recv: %v", ifc.Name, err)
			return
		}
		switch ethType {
		case iface.EtherTypeARP:
			cache.HandleFrame(self, payload)
		case iface.EtherTypeIPv4:
			pkt, err := m.Pool.FromWire(self, payload)
			if err != nil {
				m.log.Warnf("corvid: %s: dropping oversized frame: %v", ifc.Name, err)
				continue
			}
			m.Stack.RecvDemux(self, ifc, pkt)
		}
	}
}

// Start brings up the kernel's clock and per-core null threads, then starts
// the routing daemon. Call after every AddInterface.
func (m *Machine) Start() error {
	m.K.Start()
	tid, err := m.K.CreateThread("routed", 30, 0, func(self *kernel.Self) int {
		m.Routes.Daemon(self)
		return 0
	})
	if err != nil {
		return WrapError("machine.start", err)
	}
	m.K.Ready(tid)
	return nil
}

// Stop halts the kernel's clock; daemon threads are left parked, matching
// the kernel's own Stop contract.
func (m *Machine) Stop() {
	m.Metrics.Stop()
	m.K.Stop()
}

// ARPCache returns the ARP cache bound to the named interface, for callers
// (UDP clients resolving a first hop, diagnostics commands) that need direct
// access instead of going through Stack.Send.
func (m *Machine) ARPCache(ifaceName string) (*arp.Cache, bool) {
	c, ok := m.arps[ifaceName]
	return c, ok
}
