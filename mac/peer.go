package mac

import (
	"github.com/tinyhan/go-tinyhan/internal/constants"
	"github.com/tinyhan/go-tinyhan/internal/wire"
)

// State is the delivery state of a peer record.
type State uint8

const (
	StateUnregistered State = iota
	StateRegistered
	StateSendPending
	StateWaitAck
)

var stateNames = [...]string{
	"Unregistered",
	"Registered",
	"SendPending",
	"WaitAck",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// SendCallback reports the outcome of a send that could not complete
// synchronously: nil on delivery, an *tinyhan.Error on expiry or ack
// exhaustion.
type SendCallback func(err error)

// RecvFunc receives data payloads addressed to this station.
type RecvFunc func(src uint8, payload []byte)

// peer is one entry in the registry: a known node on the coordinator, or
// the coordinator itself on a leaf node. A peer owns its pending-packet
// slot and its two timers; nothing else touches them.
type peer struct {
	uuid      uint64
	addr      uint8
	state     State
	flags     uint16 // from registration (sleepy bit, heartbeat exponent)
	lastHeard uint32 // tick of most recent valid frame
	rssi      int8

	pendingHdr  wire.Header
	pending     [constants.MaxPayload]byte
	pendingSize int
	retries     uint8
	sendCb      SendCallback

	ackArmed   bool
	ackAt      uint32
	validArmed bool
	validAt    uint32
}

// hasPending reports whether a packet occupies the pending slot. Holds
// exactly when state is SendPending or WaitAck.
func (p *peer) hasPending() bool {
	return p.state == StateSendPending || p.state == StateWaitAck
}

func (p *peer) sleepy() bool {
	return wire.IsSleepy(p.flags)
}

func (p *peer) cancelTimers() {
	p.ackArmed = false
	p.validArmed = false
}

// stash copies a header and payload into the pending slot.
func (p *peer) stash(hdr wire.Header, payload []byte, cb SendCallback) {
	p.pendingHdr = hdr
	copy(p.pending[:], payload)
	p.pendingSize = len(payload)
	p.retries = constants.MaxRetries
	p.sendCb = cb
}

// complete resolves the pending send, dropping the packet and firing the
// callback exactly once.
func (p *peer) complete(err error) {
	cb := p.sendCb
	p.sendCb = nil
	p.pendingSize = 0
	if cb != nil {
		cb(err)
	}
}

// due reports whether an absolute tick deadline has passed, tolerating
// counter wraparound.
func due(now, at uint32) bool {
	return int32(now-at) >= 0
}

// NodeInfo is a read-only snapshot of a peer record.
type NodeInfo struct {
	UUID      uint64
	Addr      uint8
	State     State
	Flags     uint16
	LastHeard uint32
	RSSI      int8
}

// Sleepy reports whether the peer registered with the sleepy flag.
func (n NodeInfo) Sleepy() bool {
	return wire.IsSleepy(n.Flags)
}

// HeartbeatSeconds returns the heartbeat period the peer promised.
func (n NodeInfo) HeartbeatSeconds() uint32 {
	return wire.HeartbeatSeconds(n.Flags)
}

func (p *peer) info() NodeInfo {
	return NodeInfo{
		UUID:      p.uuid,
		Addr:      p.addr,
		State:     p.state,
		Flags:     p.flags,
		LastHeard: p.lastHeard,
		RSSI:      p.rssi,
	}
}
