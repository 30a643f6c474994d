// Package udp implements the simulation PHY: a UDP multicast group
// standing in for the radio channel, so the MAC protocol can be exercised
// between processes on a PC. Frames carry a trailing CRC-16 so truncated
// datagrams are dropped like corrupted radio frames.
package udp

import (
	"net"
	"time"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/logging"
)

// Defaults for the simulated channel.
const (
	DefaultGroup = "239.0.0.1"
	DefaultPort  = 10400

	// maxPacket bounds a datagram including its CRC
	maxPacket = 256
	crcSize   = 2
)

// Config selects the multicast group standing in for the radio channel.
type Config struct {
	Group string
	Port  int

	Logger *logging.Logger
}

// Phy is a UDP multicast PHY.
type Phy struct {
	cfg       Config
	log       *logging.Logger
	conn      *net.UDPConn
	group     *net.UDPAddr
	fd        int
	recv      tinyhan.RecvFunc
	listening bool
}

// New creates an unopened PHY; call Init before use.
func New(cfg Config) *Phy {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Phy{cfg: cfg, log: log, fd: -1}
}

// Init implements the Phy interface: joins the multicast group.
func (p *Phy) Init() error {
	group := &net.UDPAddr{IP: net.ParseIP(p.cfg.Group), Port: p.cfg.Port}
	if group.IP == nil {
		return tinyhan.NewError("PHY", tinyhan.ErrWrongState, "bad multicast group")
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return tinyhan.WrapError("PHY", err)
	}

	p.conn = conn
	p.group = group
	p.fd = connFd(conn)
	p.log.Infof("udp phy on %s:%d", p.cfg.Group, p.cfg.Port)
	return nil
}

// connFd extracts the socket descriptor for hosted event loops.
func connFd(conn *net.UDPConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// Close implements the Phy interface
func (p *Phy) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Listen implements the Phy interface
func (p *Phy) Listen() error {
	p.listening = true
	return nil
}

// Standby implements the Phy interface. The socket keeps receiving; the
// gate is applied at delivery so sleepy-node behavior is still visible in
// simulation.
func (p *Phy) Standby() error {
	p.listening = false
	return nil
}

// DelayedStandby implements the Phy interface. The simulation leaves the
// receiver on: a UDP socket has no power budget to protect.
func (p *Phy) DelayedStandby(time.Duration) error {
	p.listening = true
	return nil
}

// Suspend implements the Phy interface
func (p *Phy) Suspend() error {
	p.listening = false
	return nil
}

// Resume implements the Phy interface
func (p *Phy) Resume() error { return nil }

// Send implements the Phy interface: one datagram per frame, CRC
// appended.
func (p *Phy) Send(frags [][]byte, flags tinyhan.SendFlags) error {
	if p.conn == nil {
		return tinyhan.NewError("PHY", tinyhan.ErrWrongState, "phy not initialized")
	}

	var frame []byte
	for _, f := range frags {
		frame = append(frame, f...)
	}
	if len(frame)+crcSize > maxPacket {
		return tinyhan.NewError("PHY", tinyhan.ErrBufferFull, "frame exceeds mtu")
	}

	crc := crc16(frame)
	frame = append(frame, uint8(crc), uint8(crc>>8))

	_, err := p.conn.WriteToUDP(frame, p.group)
	if err != nil {
		return tinyhan.WrapError("PHY", err)
	}
	return nil
}

// RegisterRecv implements the Phy interface
func (p *Phy) RegisterRecv(fn tinyhan.RecvFunc) {
	p.recv = fn
}

// EventHandler implements the Phy interface: drains every datagram that
// is already queued on the socket without blocking.
func (p *Phy) EventHandler() {
	if p.conn == nil {
		return
	}

	buf := make([]byte, maxPacket)
	for {
		p.conn.SetReadDeadline(time.Now())
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			return
		}

		if n < crcSize {
			p.log.Warnf("short packet")
			continue
		}

		payload := buf[:n-crcSize]
		want := uint16(buf[n-2]) | uint16(buf[n-1])<<8
		if crc16(payload) != want {
			p.log.Warnf("crc error")
			continue
		}

		if p.recv != nil && p.listening {
			p.recv(payload, tinyhan.RSSINone)
		}
	}
}

// MTU implements the Phy interface
func (p *Phy) MTU() int { return maxPacket - crcSize }

// Fd implements the Phy interface
func (p *Phy) Fd() int { return p.fd }
