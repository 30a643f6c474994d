// tinyhan-sensor simulates a sensor node: it attaches to whatever
// coordinator answers its beacon requests, connects an MQTT-SN client
// over the MAC, and publishes a reading at a fixed cadence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/host"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/mac"
	"github.com/tinyhan/go-tinyhan/mqttsn"
	phyudp "github.com/tinyhan/go-tinyhan/phy/udp"
)

type topicConfig struct {
	Name      string `yaml:"name"`
	Subscribe bool   `yaml:"subscribe"`
	QoS       uint8  `yaml:"qos"`
}

type config struct {
	UUID         uint64 `yaml:"uuid"`
	Sleepy       bool   `yaml:"sleepy"`
	HeartbeatExp uint8  `yaml:"heartbeat_exp"`

	Group string `yaml:"group"`
	Port  int    `yaml:"port"`

	ClientID        string        `yaml:"client_id"`
	Topics          []topicConfig `yaml:"topics"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	PublishQoS      int           `yaml:"publish_qos"`
}

func defaultConfig() config {
	return config{
		HeartbeatExp: 5,
		Group:        phyudp.DefaultGroup,
		Port:         phyudp.DefaultPort,
		Topics: []topicConfig{
			{Name: "zone/1/0/temp"},
			{Name: "zone/1/0/status"},
			{Name: "zone/1/target", Subscribe: true},
		},
		PublishInterval: 10 * time.Second,
		PublishQoS:      1,
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
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("sen%04X", uint16(cfg.UUID))
	}

	phy := phyudp.New(phyudp.Config{Group: cfg.Group, Port: cfg.Port, Logger: logger})
	if err := phy.Init(); err != nil {
		logger.Errorf("phy init failed: %v", err)
		os.Exit(1)
	}
	defer phy.Close()

	var client *mqttsn.Client

	node, err := mac.NewNode(mac.NodeConfig{
		Phy:          phy,
		UUID:         cfg.UUID,
		Sleepy:       cfg.Sleepy,
		HeartbeatExp: cfg.HeartbeatExp,
		Logger:       logger,
		Recv: func(src uint8, payload []byte) {
			client.Handle(payload)
		},
	})
	if err != nil {
		logger.Errorf("node init failed: %v", err)
		os.Exit(1)
	}

	topics := make([]mqttsn.Topic, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		if t.Subscribe {
			topics = append(topics, mqttsn.SubscribeTopic(t.Name, t.QoS))
		} else {
			topics = append(topics, mqttsn.PublishTopic(t.Name))
		}
	}

	client, err = mqttsn.NewClient(mqttsn.Config{
		ClientID: cfg.ClientID,
		Topics:   topics,
		Logger:   logger,
		Send: func(pkt []byte) error {
			_, err := node.Send(pkt, false, nil)
			return err
		},
		OnPublish: func(topicIndex int, data []byte) {
			logger.Infof("inbound %s: %q", topics[topicIndex].Name, data)
		},
		OnPuback: func(msgID uint16, err error) {
			if err != nil {
				logger.Warnf("publish %d rejected: %v", msgID, err)
			}
		},
	})
	if err != nil {
		logger.Errorf("client init failed: %v", err)
		os.Exit(1)
	}

	logger.Infof("sensor %s (uuid %016X) starting", cfg.ClientID, cfg.UUID)

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
	must(loop.AddTicker(tinyhan.TickInterval, node.Tick))

	// Simulated reading in place of a real transducer
	reading := func(t time.Time) []byte {
		v := 20.0 + 2.5*math.Sin(float64(t.Unix())/600.0)
		return []byte(fmt.Sprintf("%.1f", v))
	}

	var nextPublish time.Time
	must(loop.AddTicker(time.Second, func() {
		if !node.IsRegistered() {
			return
		}

		if client.State() == mqttsn.StateDisconnected {
			if err := client.Connect(); err != nil {
				logger.Warnf("connect failed: %v", err)
			}
			return
		}
		client.Poll()

		now := time.Now()
		if client.State() == mqttsn.StateConnected && now.After(nextPublish) {
			nextPublish = now.Add(cfg.PublishInterval)
			if _, err := client.Publish(0, cfg.PublishQoS, reading(now)); err != nil {
				logger.Warnf("publish failed: %v", err)
			}
		}
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		logger.Errorf("event loop failed: %v", err)
		os.Exit(1)
	}

	// Leave the network cleanly
	node.Deregister(mac.DeregReasonPowerDown)
	fmt.Println("shutting down")
}
