// tinyhan-sniffer joins the simulation channel promiscuously and decodes
// every MAC frame it hears, including the MQTT-SN payloads of data
// frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyhan/go-tinyhan/internal/host"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/internal/wire"
	"github.com/tinyhan/go-tinyhan/mqttsn"
	phyudp "github.com/tinyhan/go-tinyhan/phy/udp"
)

func main() {
	var (
		group  = flag.String("group", phyudp.DefaultGroup, "Multicast group")
		port   = flag.Int("port", phyudp.DefaultPort, "Multicast port")
		decode = flag.Bool("mqttsn", true, "Decode data payloads as MQTT-SN")
	)
	flag.Parse()

	logger := logging.NewLogger(&logging.Config{Level: logging.LevelWarn})
	logging.SetDefault(logger)

	phy := phyudp.New(phyudp.Config{Group: *group, Port: *port, Logger: logger})
	if err := phy.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "phy init failed: %v\n", err)
		os.Exit(1)
	}
	defer phy.Close()

	phy.RegisterRecv(func(buf []byte, rssi int8) {
		printFrame(buf, *decode)
	})
	phy.Listen()

	loop, err := host.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "event loop init failed: %v\n", err)
		os.Exit(1)
	}
	defer loop.Close()

	if err := loop.AddFd(phy.Fd(), phy.EventHandler); err != nil {
		fmt.Fprintf(os.Stderr, "event loop setup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("listening on %s:%d\n", *group, *port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	loop.Run(ctx)
}

func printFrame(buf []byte, decodeSN bool) {
	stamp := time.Now().Format("15:04:05.000")

	var hdr wire.Header
	if err := wire.UnmarshalHeader(buf, &hdr); err != nil {
		fmt.Printf("%s  short frame (%d bytes)\n", stamp, len(buf))
		return
	}
	payload := buf[wire.HeaderSize:]

	fmt.Printf("%s  net %02X  %02X -> %02X  seq %02X  %-21s",
		stamp, hdr.NetID, hdr.SrcAddr, hdr.DestAddr, hdr.Seq, hdr.Type())
	if hdr.AckRequest() {
		fmt.Print(" [ACKREQ]")
	}
	if hdr.DataPending() {
		fmt.Print(" [PENDING]")
	}

	switch hdr.Type() {
	case wire.TypeBeacon:
		var b wire.Beacon
		if wire.UnmarshalBeacon(payload, &b) == nil {
			fmt.Printf("  uuid %016X ts %04X flags %02X pending %v",
				b.UUID, b.Timestamp, b.Flags, b.AddressList)
		}
	case wire.TypeRegistrationRequest:
		var r wire.RegistrationRequest
		if wire.UnmarshalRegistrationRequest(payload, &r) == nil {
			fmt.Printf("  uuid %016X flags %04X", r.UUID, r.Flags)
		}
	case wire.TypeDeregistrationRequest:
		var r wire.DeregistrationRequest
		if wire.UnmarshalDeregistrationRequest(payload, &r) == nil {
			fmt.Printf("  uuid %016X reason %d", r.UUID, r.Reason)
		}
	case wire.TypeRegistrationResponse:
		var r wire.RegistrationResponse
		if wire.UnmarshalRegistrationResponse(payload, &r) == nil {
			fmt.Printf("  uuid %016X addr %02X status %s", r.UUID, r.Addr, r.Status)
		}
	case wire.TypeData:
		if decodeSN {
			if msgType, body, err := mqttsn.ParseHeader(payload); err == nil {
				fmt.Printf("  mqtt-sn %s (%d bytes)", msgType, len(body))
				break
			}
		}
		fmt.Printf("  %d bytes", len(payload))
	}
	fmt.Println()
}
