package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when a buffer is too small to hold the
// structure being decoded.
var ErrShortFrame = errors.New("wire: short frame")

// MakeFlags assembles a header flags word from a frame type and the
// option bits (version is always zero).
func MakeFlags(t Type, opts uint16) uint16 {
	return opts&^FlagsTypeMask&^uint16(FlagsVersionMask) | uint16(t)
}

// MarshalHeader encodes h into a fresh 6-byte slice.
func MarshalHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint16(buf[0:2], h.Flags)
	buf[2] = h.NetID
	buf[3] = h.DestAddr
	buf[4] = h.SrcAddr
	buf[5] = h.Seq

	return buf
}

// UnmarshalHeader decodes the fixed header from the front of data.
func UnmarshalHeader(data []byte, h *Header) error {
	if len(data) < HeaderSize {
		return ErrShortFrame
	}

	h.Flags = binary.LittleEndian.Uint16(data[0:2])
	h.NetID = data[2]
	h.DestAddr = data[3]
	h.SrcAddr = data[4]
	h.Seq = data[5]

	return nil
}

// MarshalBeacon encodes b, including its trailing address list.
func MarshalBeacon(b *Beacon) []byte {
	buf := make([]byte, BeaconSize+len(b.AddressList))

	binary.LittleEndian.PutUint64(buf[0:8], b.UUID)
	binary.LittleEndian.PutUint16(buf[8:10], b.Timestamp)
	buf[10] = b.Flags
	buf[11] = b.BeaconInterval
	copy(buf[BeaconSize:], b.AddressList)

	return buf
}

// UnmarshalBeacon decodes a beacon payload. Bytes beyond the fixed portion
// become the address list.
func UnmarshalBeacon(data []byte, b *Beacon) error {
	if len(data) < BeaconSize {
		return ErrShortFrame
	}

	b.UUID = binary.LittleEndian.Uint64(data[0:8])
	b.Timestamp = binary.LittleEndian.Uint16(data[8:10])
	b.Flags = data[10]
	b.BeaconInterval = data[11]
	b.AddressList = append([]uint8(nil), data[BeaconSize:]...)

	return nil
}

// MarshalRegistrationRequest encodes r.
func MarshalRegistrationRequest(r *RegistrationRequest) []byte {
	buf := make([]byte, RegistrationRequestSize)

	binary.LittleEndian.PutUint64(buf[0:8], r.UUID)
	binary.LittleEndian.PutUint16(buf[8:10], r.Flags)

	return buf
}

// UnmarshalRegistrationRequest decodes a registration request payload.
func UnmarshalRegistrationRequest(data []byte, r *RegistrationRequest) error {
	if len(data) < RegistrationRequestSize {
		return ErrShortFrame
	}

	r.UUID = binary.LittleEndian.Uint64(data[0:8])
	r.Flags = binary.LittleEndian.Uint16(data[8:10])

	return nil
}

// MarshalDeregistrationRequest encodes d.
func MarshalDeregistrationRequest(d *DeregistrationRequest) []byte {
	buf := make([]byte, DeregistrationRequestSize)

	binary.LittleEndian.PutUint64(buf[0:8], d.UUID)
	buf[8] = d.Reason

	return buf
}

// UnmarshalDeregistrationRequest decodes a deregistration request payload.
func UnmarshalDeregistrationRequest(data []byte, d *DeregistrationRequest) error {
	if len(data) < DeregistrationRequestSize {
		return ErrShortFrame
	}

	d.UUID = binary.LittleEndian.Uint64(data[0:8])
	d.Reason = data[8]

	return nil
}

// MarshalRegistrationResponse encodes r.
func MarshalRegistrationResponse(r *RegistrationResponse) []byte {
	buf := make([]byte, RegistrationResponseSize)

	binary.LittleEndian.PutUint64(buf[0:8], r.UUID)
	buf[8] = r.Addr
	buf[9] = uint8(r.Status)

	return buf
}

// UnmarshalRegistrationResponse decodes a registration response payload.
func UnmarshalRegistrationResponse(data []byte, r *RegistrationResponse) error {
	if len(data) < RegistrationResponseSize {
		return ErrShortFrame
	}

	r.UUID = binary.LittleEndian.Uint64(data[0:8])
	r.Addr = data[8]
	r.Status = RegistrationStatus(data[9])

	return nil
}
