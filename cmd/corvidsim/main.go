// Command corvidsim boots one simulated corvid machine, wires a pair of
// loopback-linked interfaces standing in for two hosts on an Ethernet
// segment, and drives an ARP-resolve / ICMP-ping / UDP-echo scenario across
// them so the kernel, device table, and network stack can be exercised
// end-to-end without any real hardware.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvid-os/corvid"
	"github.com/corvid-os/corvid/drivers/etherloop"
	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/internal/logging"
	"github.com/corvid-os/corvid/netstack/iface"
	"github.com/corvid-os/corvid/netstack/udp"
	"github.com/corvid-os/corvid/prommetrics"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "shorthand for -log-level debug")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (disabled if empty)")
		pingTimeout = flag.Int("ping-timeout-ms", 500, "ICMP echo timeout in milliseconds")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("corvidsim: %v", err)
	}
	logConfig.Level = level
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	machine, err := corvid.NewMachine(corvid.DefaultConfig(), logger.WithPrefix("machine"))
	if err != nil {
		log.Fatalf("corvidsim: new machine: %v", err)
	}

	hwA := iface.HWAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	hwB := iface.HWAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	linkA, linkB, err := etherloop.NewPair(machine.K, hwA, hwB)
	if err != nil {
		log.Fatalf("corvidsim: etherloop pair: %v", err)
	}
	ipA := iface.IPv4Addr{10, 0, 0, 1}
	ipB := iface.IPv4Addr{10, 0, 0, 2}
	ifcA := iface.NewInterface("hostA", ipA, 24, hwA, linkA, 1500)
	ifcB := iface.NewInterface("hostB", ipB, 24, hwB, linkB, 1500)
	machine.AddInterface(ifcA)
	machine.AddInterface(ifcB)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prommetrics.New(machine.Metrics))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := machine.Start(); err != nil {
		log.Fatalf("corvidsim: start: %v", err)
	}
	defer machine.Stop()
	time.Sleep(corvid.BootSettle)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	var scenarioErr error
	tid, err := machine.K.CreateThread("scenario", 40, 0, func(self *kernel.Self) int {
		scenarioErr = runScenario(self, machine, ipA, ipB, int32(*pingTimeout))
		close(done)
		return 0
	})
	if err != nil {
		log.Fatalf("corvidsim: create scenario thread: %v", err)
	}
	machine.K.Ready(tid)

	select {
	case <-done:
		if scenarioErr != nil {
			logger.Error("scenario failed", "error", scenarioErr)
			os.Exit(1)
		}
		logger.Info("scenario completed successfully")
	case <-sigCh:
		logger.Info("received shutdown signal")
	}
}

// runScenario pings hostB from hostA over the ICMP daemon, then opens one
// UDP endpoint bound to each host and bounces a datagram from A to B,
// proving ARP resolution, IPv4 delivery between two interfaces, and the UDP
// endpoint path all work together. It talks to the UDP driver directly
// (minors 0 and 1) rather than through the device table, the same direct
// API protocol code is expected to use instead of devtab's single-minor
// entries.
func runScenario(self *kernel.Self, m *corvid.Machine, ipA, ipB iface.IPv4Addr, pingTimeoutMs int32) error {
	reply, err := m.ICMP.Ping(self, ipB, 1, []byte("corvidsim-ping"), pingTimeoutMs)
	if err != nil {
		return corvid.WrapError("corvidsim.ping", err)
	}
	logging.Default().Info("ping reply received", "bytes", len(reply))

	const minorA, minorB = 0, 1
	if err := m.UDP.Open(self, minorA); err != nil {
		return corvid.WrapError("corvidsim.udp_open_a", err)
	}
	defer m.UDP.Close(self, minorA)
	if err := m.UDP.Open(self, minorB); err != nil {
		return corvid.WrapError("corvidsim.udp_open_b", err)
	}
	defer m.UDP.Close(self, minorB)

	if _, err := m.UDP.Control(self, minorA, udp.CtlBind, uintptr(binary.BigEndian.Uint32(ipA[:])), uintptr(9000)); err != nil {
		return corvid.WrapError("corvidsim.udp_bind_a", err)
	}
	if _, err := m.UDP.Control(self, minorB, udp.CtlBind, uintptr(binary.BigEndian.Uint32(ipB[:])), uintptr(9000)); err != nil {
		return corvid.WrapError("corvidsim.udp_bind_b", err)
	}

	payload := []byte("hello from hostA")
	if _, err := m.UDP.SendTo(self, minorA, ipB, 9000, payload); err != nil {
		return corvid.WrapError("corvidsim.udp_send", err)
	}

	got, src, srcPort, err := m.UDP.RecvFrom(self, minorB)
	if err != nil {
		return corvid.WrapError("corvidsim.udp_recv", err)
	}
	logging.Default().Info("udp datagram observed", "from", src.String(), "port", srcPort, "bytes", len(got))

	fmt.Printf("corvidsim: ping ok (%d bytes), udp delivery ok (%d bytes)\n", len(reply), len(got))
	return nil
}
