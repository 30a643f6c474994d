// Package tinyhan provides the shared contracts for the TinyHAN stack: the
// PHY transport abstraction, the error taxonomy, metrics, and test doubles.
// The protocol engines live in the mac and mqttsn subpackages; concrete PHY
// drivers live under phy/.
package tinyhan

import "time"

// SendFlags carries per-transmission options for Phy.Send.
type SendFlags uint8

const (
	// SendImmediate bypasses clear channel assessment; used for sync
	// beacons which must hit their slot.
	SendImmediate SendFlags = 1 << 0
)

// RSSINone is reported by PHYs that cannot measure signal strength.
const RSSINone int8 = 0

// RecvFunc is invoked by a PHY for each received datagram. The buffer is
// only valid for the duration of the call; implementations must copy
// anything they retain.
type RecvFunc func(buf []byte, rssi int8)

// Phy is the datagram transport beneath the MAC. Implementations deliver
// whole frames with a fixed MTU and report received frames through the
// registered callback. All methods are invoked from the single event loop
// that also drives the MAC tick; implementations must not call back into
// the MAC from another goroutine.
type Phy interface {
	// Init prepares the transport. Must be called before any other method.
	Init() error

	// Close releases the transport.
	Close() error

	// Listen places the PHY in receive mode.
	Listen() error

	// Standby disables the receiver to save power.
	Standby() error

	// DelayedStandby keeps the receiver enabled for the given period and
	// then enters standby. Used by sleepy nodes after a transmission.
	DelayedStandby(d time.Duration) error

	// Suspend powers the PHY down for extended sleep.
	Suspend() error

	// Resume powers the PHY back up after Suspend.
	Resume() error

	// Send transmits the concatenation of the given fragments as one
	// datagram. The fragments are not retained past the call.
	Send(frags [][]byte, flags SendFlags) error

	// RegisterRecv installs the receive callback.
	RegisterRecv(fn RecvFunc)

	// EventHandler drains any pending receive events without blocking.
	EventHandler()

	// MTU returns the maximum datagram size in bytes.
	MTU() int

	// Fd returns a pollable file descriptor for hosted event loops, or -1
	// if the transport has none.
	Fd() int
}
