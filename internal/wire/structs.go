// Package wire defines the TinyHAN MAC frame layout and the codecs for it.
// All multi-byte fields are little-endian on the air.
package wire

// Frame type, carried in the low 5 bits of the header flags word.
type Type uint8

const (
	TypeBeacon                Type = 0
	TypeBeaconRequest         Type = 1
	TypePoll                  Type = 2
	TypeAck                   Type = 3
	TypeRegistrationRequest   Type = 4
	TypeDeregistrationRequest Type = 5
	TypeRegistrationResponse  Type = 6
	TypeData                  Type = 10
)

var typeNames = map[Type]string{
	TypeBeacon:                "Beacon",
	TypeBeaconRequest:         "BeaconRequest",
	TypePoll:                  "Poll",
	TypeAck:                   "Ack",
	TypeRegistrationRequest:   "RegistrationRequest",
	TypeDeregistrationRequest: "DeregistrationRequest",
	TypeRegistrationResponse:  "RegistrationResponse",
	TypeData:                  "Data",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Reserved"
}

// Valid reports whether t is one of the defined frame types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Header flags word layout
const (
	FlagsVersionShift = 13
	FlagsVersionMask  = 0x7 << FlagsVersionShift

	FlagDataPending uint16 = 1 << 7
	FlagAckRequest  uint16 = 1 << 6

	FlagsTypeMask uint16 = 0x1F
)

// Addressing constants. 0xFF doubles as the broadcast destination and the
// unassigned source address; net id 0xFF is the wildcard network used
// before attachment.
const (
	AddrBroadcast  uint8 = 0xFF
	AddrUnassigned uint8 = 0xFF
	AddrHub        uint8 = 0x00
	NetworkAny     uint8 = 0xFF
)

// HeaderSize is the fixed MAC header length in bytes.
const HeaderSize = 6

// Header is the fixed 6-byte MAC header preceding every frame.
type Header struct {
	Flags    uint16
	NetID    uint8
	DestAddr uint8
	SrcAddr  uint8
	Seq      uint8
}

// Version extracts the 3-bit protocol version (currently always zero).
func (h *Header) Version() uint8 {
	return uint8((h.Flags & FlagsVersionMask) >> FlagsVersionShift)
}

// Type extracts the 5-bit frame type.
func (h *Header) Type() Type {
	return Type(h.Flags & FlagsTypeMask)
}

// AckRequest reports whether the sender asked for an acknowledgement.
func (h *Header) AckRequest() bool {
	return h.Flags&FlagAckRequest != 0
}

// DataPending reports whether the sender has deferred traffic queued for
// the recipient.
func (h *Header) DataPending() bool {
	return h.Flags&FlagDataPending != 0
}

// Beacon payload flags
const (
	BeaconFlagSync         uint8 = 1 << 0
	BeaconFlagPermitAttach uint8 = 1 << 1

	// Bits 6-7 are reserved for a sub-second beacon offset
	BeaconFlagsFSecondsMask uint8 = 3 << 6
)

// BeaconIntervalNone in the beacon_interval field advertises that no
// periodic beacons are transmitted.
const BeaconIntervalNone uint8 = 0x0F

// BeaconSize is the fixed portion of a beacon payload, excluding the
// trailing address list.
const BeaconSize = 12

// Beacon is broadcast by the coordinator, periodically (SYNC) or in
// response to a beacon request (advertisement).
type Beacon struct {
	UUID           uint64
	Timestamp      uint16
	Flags          uint8
	BeaconInterval uint8
	AddressList    []uint8
}

// Registration request flags: a 4-bit heartbeat exponent in the low bits
// and the sleepy-node flag in bit 4.
const (
	AttachFlagSleepy    uint16 = 1 << 4
	AttachHeartbeatMask uint16 = 0xF
)

// AttachFlags builds a registration request flags word.
func AttachFlags(sleepy bool, heartbeatExp uint8) uint16 {
	f := uint16(heartbeatExp) & AttachHeartbeatMask
	if sleepy {
		f |= AttachFlagSleepy
	}
	return f
}

// HeartbeatSeconds returns the heartbeat period in seconds promised by a
// registration flags word (2^exponent).
func HeartbeatSeconds(flags uint16) uint32 {
	return 1 << (flags & AttachHeartbeatMask)
}

// IsSleepy reports whether a registration flags word carries the sleepy bit.
func IsSleepy(flags uint16) bool {
	return flags&AttachFlagSleepy != 0
}

// RegistrationRequestSize is the registration request payload length.
const RegistrationRequestSize = 10

// RegistrationRequest asks the coordinator for a short address.
type RegistrationRequest struct {
	UUID  uint64
	Flags uint16
}

// Deregistration reasons
const (
	DeregReasonUser      uint8 = 0
	DeregReasonPowerDown uint8 = 1
)

// DeregistrationRequestSize is the deregistration request payload length.
const DeregistrationRequestSize = 9

// DeregistrationRequest releases a node's short address.
type DeregistrationRequest struct {
	UUID   uint64
	Reason uint8
}

// RegistrationStatus is the status byte of a registration response.
type RegistrationStatus uint8

const (
	StatusSuccess        RegistrationStatus = 0
	StatusAccessDenied   RegistrationStatus = 1
	StatusNetworkFull    RegistrationStatus = 2
	StatusShutdown       RegistrationStatus = 3
	StatusAdmin          RegistrationStatus = 4
	StatusAddressInvalid RegistrationStatus = 5
)

func (s RegistrationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusNetworkFull:
		return "NetworkFull"
	case StatusShutdown:
		return "Shutdown"
	case StatusAdmin:
		return "Admin"
	case StatusAddressInvalid:
		return "AddressInvalid"
	}
	return "Unknown"
}

// RegistrationResponseSize is the registration response payload length.
const RegistrationResponseSize = 10

// RegistrationResponse answers a registration or deregistration request,
// and is also sent unsolicited to force an unknown sender to re-register.
type RegistrationResponse struct {
	UUID   uint64
	Addr   uint8
	Status RegistrationStatus
}
