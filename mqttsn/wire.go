// Package mqttsn implements the sensor-node subset of OASIS MQTT-SN v1.2:
// the control packet codec and a single-in-flight client state machine
// that runs over any datagram transport (the TinyHAN MAC, or UDP).
//
// Every message starts with a one-byte length (covering the whole message)
// and a one-byte type; all multi-byte integers are big-endian.
package mqttsn

import (
	"encoding/binary"
	"errors"
)

// MsgType identifies an MQTT-SN control packet.
type MsgType uint8

const (
	MsgAdvertise  MsgType = 0x00
	MsgGwInfo     MsgType = 0x02
	MsgConnect    MsgType = 0x04
	MsgConnack    MsgType = 0x05
	MsgRegister   MsgType = 0x0A
	MsgRegack     MsgType = 0x0B
	MsgPublish    MsgType = 0x0C
	MsgPuback     MsgType = 0x0D
	MsgSubscribe  MsgType = 0x12
	MsgSuback     MsgType = 0x13
	MsgUnsuback   MsgType = 0x15
	MsgPingreq    MsgType = 0x16
	MsgPingresp   MsgType = 0x17
	MsgDisconnect MsgType = 0x18
)

var msgTypeNames = map[MsgType]string{
	MsgAdvertise:  "ADVERTISE",
	MsgGwInfo:     "GWINFO",
	MsgConnect:    "CONNECT",
	MsgConnack:    "CONNACK",
	MsgRegister:   "REGISTER",
	MsgRegack:     "REGACK",
	MsgPublish:    "PUBLISH",
	MsgPuback:     "PUBACK",
	MsgSubscribe:  "SUBSCRIBE",
	MsgSuback:     "SUBACK",
	MsgUnsuback:   "UNSUBACK",
	MsgPingreq:    "PINGREQ",
	MsgPingresp:   "PINGRESP",
	MsgDisconnect: "DISCONNECT",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Packet flags
const (
	FlagDup          uint8 = 1 << 7
	FlagRetain       uint8 = 1 << 4
	FlagWill         uint8 = 1 << 3
	FlagCleanSession uint8 = 1 << 2

	FlagQoS0    uint8 = 0 << 5
	FlagQoS1    uint8 = 1 << 5
	FlagQoS2    uint8 = 2 << 5
	FlagQoSM1   uint8 = 3 << 5
	FlagQoSMask uint8 = 3 << 5

	FlagTopicIDNorm  uint8 = 0
	FlagTopicIDPre   uint8 = 1
	FlagTopicIDShort uint8 = 2
	FlagTopicIDMask  uint8 = 3
)

// ReturnCode is the status byte of the *ACK messages.
type ReturnCode uint8

const (
	RCAccepted     ReturnCode = 0x00
	RCCongestion   ReturnCode = 0x01
	RCInvalidTopic ReturnCode = 0x02
	RCNotSupported ReturnCode = 0x03
)

func (rc ReturnCode) String() string {
	switch rc {
	case RCAccepted:
		return "accepted"
	case RCCongestion:
		return "congestion"
	case RCInvalidTopic:
		return "invalid topic"
	case RCNotSupported:
		return "not supported"
	}
	return "unknown"
}

// ProtocolID is the fixed protocol identifier sent in CONNECT.
const ProtocolID uint8 = 0x01

// Sizing constants. MaxPacket bounds every message including its header.
const (
	HeaderSize = 2

	MaxPacket       = 64
	MaxClientID     = 8
	MaxClientTopics = 16

	ConnectSize    = 6 // + client id
	ConnackSize    = 3
	RegisterSize   = 6 // + topic name
	RegackSize     = 7
	PublishSize    = 7 // + data
	PubackSize     = 7
	SubscribeSize  = 5 // + topic name
	SubackSize     = 8
	UnsubackSize   = 4
	PingreqSize    = 2 // + optional client id
	PingrespSize   = 2
	DisconnectSize = 2 // + optional duration
)

// ErrShortPacket is returned when a buffer cannot hold the structure being
// decoded.
var ErrShortPacket = errors.New("mqttsn: short packet")

// ParseHeader validates the common header, returning the message type and
// the whole message (header included) truncated to the advertised length.
func ParseHeader(buf []byte) (MsgType, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, ErrShortPacket
	}
	length := int(buf[0])
	if length < HeaderSize || length > len(buf) {
		return 0, nil, ErrShortPacket
	}
	return MsgType(buf[1]), buf[:length], nil
}

func putHeader(buf []byte, t MsgType) {
	buf[0] = uint8(len(buf))
	buf[1] = uint8(t)
}

// Connect carries the client id and keep-alive duration.
type Connect struct {
	Flags      uint8
	ProtocolID uint8
	Duration   uint16
	ClientID   []byte
}

func MarshalConnect(c *Connect) []byte {
	buf := make([]byte, ConnectSize+len(c.ClientID))
	putHeader(buf, MsgConnect)
	buf[2] = c.Flags
	buf[3] = c.ProtocolID
	binary.BigEndian.PutUint16(buf[4:6], c.Duration)
	copy(buf[6:], c.ClientID)
	return buf
}

func UnmarshalConnect(data []byte, c *Connect) error {
	if len(data) < ConnectSize {
		return ErrShortPacket
	}
	c.Flags = data[2]
	c.ProtocolID = data[3]
	c.Duration = binary.BigEndian.Uint16(data[4:6])
	c.ClientID = append([]byte(nil), data[6:]...)
	return nil
}

// Connack answers a CONNECT.
type Connack struct {
	ReturnCode ReturnCode
}

func MarshalConnack(c *Connack) []byte {
	buf := make([]byte, ConnackSize)
	putHeader(buf, MsgConnack)
	buf[2] = uint8(c.ReturnCode)
	return buf
}

func UnmarshalConnack(data []byte, c *Connack) error {
	if len(data) < ConnackSize {
		return ErrShortPacket
	}
	c.ReturnCode = ReturnCode(data[2])
	return nil
}

// Register binds a topic name to a gateway-assigned topic id.
type Register struct {
	TopicID   uint16
	MsgID     uint16
	TopicName []byte
}

func MarshalRegister(r *Register) []byte {
	buf := make([]byte, RegisterSize+len(r.TopicName))
	putHeader(buf, MsgRegister)
	binary.BigEndian.PutUint16(buf[2:4], r.TopicID)
	binary.BigEndian.PutUint16(buf[4:6], r.MsgID)
	copy(buf[6:], r.TopicName)
	return buf
}

func UnmarshalRegister(data []byte, r *Register) error {
	if len(data) < RegisterSize {
		return ErrShortPacket
	}
	r.TopicID = binary.BigEndian.Uint16(data[2:4])
	r.MsgID = binary.BigEndian.Uint16(data[4:6])
	r.TopicName = append([]byte(nil), data[6:]...)
	return nil
}

// Regack answers a REGISTER.
type Regack struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func MarshalRegack(r *Regack) []byte {
	buf := make([]byte, RegackSize)
	putHeader(buf, MsgRegack)
	binary.BigEndian.PutUint16(buf[2:4], r.TopicID)
	binary.BigEndian.PutUint16(buf[4:6], r.MsgID)
	buf[6] = uint8(r.ReturnCode)
	return buf
}

func UnmarshalRegack(data []byte, r *Regack) error {
	if len(data) < RegackSize {
		return ErrShortPacket
	}
	r.TopicID = binary.BigEndian.Uint16(data[2:4])
	r.MsgID = binary.BigEndian.Uint16(data[4:6])
	r.ReturnCode = ReturnCode(data[6])
	return nil
}

// Publish carries application data for a registered topic id.
type Publish struct {
	Flags   uint8
	TopicID uint16
	MsgID   uint16
	Data    []byte
}

func MarshalPublish(p *Publish) []byte {
	buf := make([]byte, PublishSize+len(p.Data))
	putHeader(buf, MsgPublish)
	buf[2] = p.Flags
	binary.BigEndian.PutUint16(buf[3:5], p.TopicID)
	binary.BigEndian.PutUint16(buf[5:7], p.MsgID)
	copy(buf[7:], p.Data)
	return buf
}

func UnmarshalPublish(data []byte, p *Publish) error {
	if len(data) < PublishSize {
		return ErrShortPacket
	}
	p.Flags = data[2]
	p.TopicID = binary.BigEndian.Uint16(data[3:5])
	p.MsgID = binary.BigEndian.Uint16(data[5:7])
	p.Data = append([]byte(nil), data[7:]...)
	return nil
}

// Puback answers a QoS 1 PUBLISH.
type Puback struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func MarshalPuback(p *Puback) []byte {
	buf := make([]byte, PubackSize)
	putHeader(buf, MsgPuback)
	binary.BigEndian.PutUint16(buf[2:4], p.TopicID)
	binary.BigEndian.PutUint16(buf[4:6], p.MsgID)
	buf[6] = uint8(p.ReturnCode)
	return buf
}

func UnmarshalPuback(data []byte, p *Puback) error {
	if len(data) < PubackSize {
		return ErrShortPacket
	}
	p.TopicID = binary.BigEndian.Uint16(data[2:4])
	p.MsgID = binary.BigEndian.Uint16(data[4:6])
	p.ReturnCode = ReturnCode(data[6])
	return nil
}

// Subscribe requests delivery for a topic name (topic-id-type normal).
type Subscribe struct {
	Flags     uint8
	MsgID     uint16
	TopicName []byte
}

func MarshalSubscribe(s *Subscribe) []byte {
	buf := make([]byte, SubscribeSize+len(s.TopicName))
	putHeader(buf, MsgSubscribe)
	buf[2] = s.Flags
	binary.BigEndian.PutUint16(buf[3:5], s.MsgID)
	copy(buf[5:], s.TopicName)
	return buf
}

func UnmarshalSubscribe(data []byte, s *Subscribe) error {
	if len(data) < SubscribeSize {
		return ErrShortPacket
	}
	s.Flags = data[2]
	s.MsgID = binary.BigEndian.Uint16(data[3:5])
	s.TopicName = append([]byte(nil), data[5:]...)
	return nil
}

// Suback answers a SUBSCRIBE.
type Suback struct {
	Flags      uint8
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func MarshalSuback(s *Suback) []byte {
	buf := make([]byte, SubackSize)
	putHeader(buf, MsgSuback)
	buf[2] = s.Flags
	binary.BigEndian.PutUint16(buf[3:5], s.TopicID)
	binary.BigEndian.PutUint16(buf[5:7], s.MsgID)
	buf[7] = uint8(s.ReturnCode)
	return buf
}

func UnmarshalSuback(data []byte, s *Suback) error {
	if len(data) < SubackSize {
		return ErrShortPacket
	}
	s.Flags = data[2]
	s.TopicID = binary.BigEndian.Uint16(data[3:5])
	s.MsgID = binary.BigEndian.Uint16(data[5:7])
	s.ReturnCode = ReturnCode(data[7])
	return nil
}

// Unsuback is decoded for completeness; this client never unsubscribes.
type Unsuback struct {
	MsgID uint16
}

func MarshalUnsuback(u *Unsuback) []byte {
	buf := make([]byte, UnsubackSize)
	putHeader(buf, MsgUnsuback)
	binary.BigEndian.PutUint16(buf[2:4], u.MsgID)
	return buf
}

func UnmarshalUnsuback(data []byte, u *Unsuback) error {
	if len(data) < UnsubackSize {
		return ErrShortPacket
	}
	u.MsgID = binary.BigEndian.Uint16(data[2:4])
	return nil
}

// Pingreq is the keep-alive probe. The client id is only carried by
// sleeping clients waking for buffered messages.
type Pingreq struct {
	ClientID []byte
}

func MarshalPingreq(p *Pingreq) []byte {
	buf := make([]byte, PingreqSize+len(p.ClientID))
	putHeader(buf, MsgPingreq)
	copy(buf[2:], p.ClientID)
	return buf
}

// MarshalPingresp encodes the keep-alive answer.
func MarshalPingresp() []byte {
	buf := make([]byte, PingrespSize)
	putHeader(buf, MsgPingresp)
	return buf
}

// Disconnect ends a session; a non-zero duration asks the gateway to hold
// state while the client sleeps.
type Disconnect struct {
	Duration uint16
}

func MarshalDisconnect(d *Disconnect) []byte {
	if d.Duration == 0 {
		buf := make([]byte, DisconnectSize)
		putHeader(buf, MsgDisconnect)
		return buf
	}
	buf := make([]byte, DisconnectSize+2)
	putHeader(buf, MsgDisconnect)
	binary.BigEndian.PutUint16(buf[2:4], d.Duration)
	return buf
}

func UnmarshalDisconnect(data []byte, d *Disconnect) error {
	if len(data) < DisconnectSize {
		return ErrShortPacket
	}
	if len(data) >= DisconnectSize+2 {
		d.Duration = binary.BigEndian.Uint16(data[2:4])
	} else {
		d.Duration = 0
	}
	return nil
}

// Advertise is broadcast by gateways; the client takes no action on it.
type Advertise struct {
	GwID     uint8
	Duration uint16
}

func UnmarshalAdvertise(data []byte, a *Advertise) error {
	if len(data) < 5 {
		return ErrShortPacket
	}
	a.GwID = data[2]
	a.Duration = binary.BigEndian.Uint16(data[3:5])
	return nil
}

// GwInfo answers a gateway search; the client takes no action on it.
type GwInfo struct {
	GwID   uint8
	GwAddr []byte
}

func UnmarshalGwInfo(data []byte, g *GwInfo) error {
	if len(data) < 3 {
		return ErrShortPacket
	}
	g.GwID = data[2]
	g.GwAddr = append([]byte(nil), data[3:]...)
	return nil
}
