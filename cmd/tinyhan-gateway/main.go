// tinyhan-gateway runs a TinyHAN coordinator on the UDP simulation PHY
// and relays MQTT-SN traffic between attached nodes and a UDP MQTT-SN
// broker. Each node gets its own local UDP socket so the broker sees one
// client per device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/host"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/mac"
	phyudp "github.com/tinyhan/go-tinyhan/phy/udp"
)

type config struct {
	UUID           uint64 `yaml:"uuid"`
	NetID          uint8  `yaml:"net_id"`
	BeaconInterval uint8  `yaml:"beacon_interval"`
	BeaconOffset   uint8  `yaml:"beacon_offset"`
	PermitAttach   bool   `yaml:"permit_attach"`

	Group string `yaml:"group"`
	Port  int    `yaml:"port"`

	BrokerAddr     string `yaml:"broker_addr"`
	BrokerPort     int    `yaml:"broker_port"`
	DevicePortBase int    `yaml:"device_port_base"`

	MetricsListen string `yaml:"metrics_listen"`
}

func defaultConfig() config {
	return config{
		BeaconInterval: 3,
		PermitAttach:   true,
		Group:          phyudp.DefaultGroup,
		Port:           phyudp.DefaultPort,
		BrokerAddr:     "127.0.0.1",
		BrokerPort:     1883,
		DevicePortBase: 11000,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if cfg.UUID == 0 {
		cfg.UUID = uint64(time.Now().UnixNano())<<16 | uint64(os.Getpid())&0xFFFF
	}

	phy := phyudp.New(phyudp.Config{Group: cfg.Group, Port: cfg.Port, Logger: logger})
	if err := phy.Init(); err != nil {
		logger.Errorf("phy init failed: %v", err)
		os.Exit(1)
	}
	defer phy.Close()

	broker := &net.UDPAddr{IP: net.ParseIP(cfg.BrokerAddr), Port: cfg.BrokerPort}
	if broker.IP == nil {
		logger.Errorf("bad broker address %q", cfg.BrokerAddr)
		os.Exit(1)
	}

	// One local socket per possible device, so broker replies route back
	// to the right node
	conns := make([]*net.UDPConn, tinyhan.MaxNodes+1)
	for addr := 1; addr <= tinyhan.MaxNodes; addr++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DevicePortBase + addr})
		if err != nil {
			logger.Errorf("bind device socket %d: %v", addr, err)
			os.Exit(1)
		}
		defer conn.Close()
		conns[addr] = conn
	}

	metrics := tinyhan.NewMetrics()

	var coord *mac.Coordinator
	coord, err = mac.NewCoordinator(mac.CoordinatorConfig{
		Phy:            phy,
		UUID:           cfg.UUID,
		NetID:          cfg.NetID,
		BeaconInterval: cfg.BeaconInterval,
		BeaconOffset:   cfg.BeaconOffset,
		PermitAttach:   cfg.PermitAttach,
		Logger:         logger,
		Observer:       metrics,
		Recv: func(src uint8, payload []byte) {
			// Uplink: node -> broker
			if int(src) < len(conns) && conns[src] != nil {
				if _, err := conns[src].WriteToUDP(payload, broker); err != nil {
					logger.Warnf("broker relay failed for node %02X: %v", src, err)
				}
			}
		},
		OnRegister: func(info mac.NodeInfo) {
			logger.Infof("node %02X attached (uuid %016X)", info.Addr, info.UUID)
		},
		OnDeregister: func(info mac.NodeInfo) {
			logger.Infof("node %02X detached (uuid %016X)", info.Addr, info.UUID)
		},
	})
	if err != nil {
		logger.Errorf("coordinator init failed: %v", err)
		os.Exit(1)
	}

	logger.Infof("gateway up: network %02X, broker %s", coord.NetID(), broker)

	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(newCollector(metrics))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	// SIGUSR1 dumps the node table; the dump itself runs on the loop
	// thread to keep the core single-threaded
	var dumpRequested atomic.Bool
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpRequested.Store(true)
		}
	}()

	loop, err := host.New()
	if err != nil {
		logger.Errorf("event loop init failed: %v", err)
		os.Exit(1)
	}
	defer loop.Close()

	must := func(err error) {
		if err != nil {
			logger.Errorf("event loop setup failed: %v", err)
			os.Exit(1)
		}
	}

	must(loop.AddFd(phy.Fd(), phy.EventHandler))
	must(loop.AddTicker(tinyhan.TickInterval, func() {
		coord.Tick()
		if dumpRequested.Swap(false) {
			coord.DumpNodes(os.Stdout)
		}
	}))

	// Downlink: broker -> node
	for addr := 1; addr <= tinyhan.MaxNodes; addr++ {
		addr := addr
		conn := conns[addr]
		must(loop.AddFd(connFd(conn), func() {
			drainBroker(conn, func(payload []byte) {
				if _, err := coord.Send(uint8(addr), payload, 0, false, nil); err != nil {
					logger.Warnf("downlink to node %02X failed: %v", addr, err)
				}
			})
		}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		logger.Errorf("event loop failed: %v", err)
		os.Exit(1)
	}
	fmt.Println("shutting down")
}

// connFd extracts a socket descriptor for the event loop.
func connFd(conn *net.UDPConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// drainBroker reads every datagram already queued on conn.
func drainBroker(conn *net.UDPConn, deliver func(payload []byte)) {
	buf := make([]byte, 1024)
	for {
		conn.SetReadDeadline(time.Now())
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		deliver(append([]byte(nil), buf[:n]...))
	}
}
