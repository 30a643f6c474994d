// Package mac implements the TinyMAC layer: a star network of one
// coordinator and up to MaxNodes leaf nodes, with beaconing, registration,
// acknowledged unicast with retry, and deferred delivery to sleepy nodes.
//
// Both engines are single-threaded and cooperative. The caller must
// serialize the three entry points (the PHY receive callback, Tick, and
// application sends) on one logical thread of control. Every handler runs
// to completion; the only waits are timer-driven and dispatched from Tick.
package mac

import (
	"math/rand"
	"time"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/constants"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/internal/wire"
)

// engine holds the state common to both roles: identity, sequence
// allocation, the tick counter and the PHY binding.
type engine struct {
	phy tinyhan.Phy
	log *logging.Logger
	obs tinyhan.Observer
	mtu int

	uuid  uint64
	netID uint8
	addr  uint8
	dseq  uint8

	now uint32 // tick counter; advanced only by Tick

	rng *rand.Rand
	rx  RecvFunc

	// onPeerLost is the role-specific reaction to a peer giving up
	// (ack exhaustion): the coordinator frees the slot, a node drops its
	// coordinator and starts over.
	onPeerLost func(p *peer)
}

func (e *engine) setup(phy tinyhan.Phy, log *logging.Logger, obs tinyhan.Observer, seed int64) {
	if log == nil {
		log = logging.Default()
	}
	if obs == nil {
		obs = tinyhan.NopObserver()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewSource(seed))

	e.phy = phy
	e.log = log
	e.obs = obs
	e.mtu = phy.MTU()
	e.dseq = uint8(e.rng.Intn(256))
}

func (e *engine) nextSeq() uint8 {
	e.dseq++
	return e.dseq
}

// checkSize validates a payload against the MAC maximum and the PHY MTU.
func (e *engine) checkSize(op string, size int) error {
	if size > constants.MaxPayload || size+wire.HeaderSize > e.mtu {
		return tinyhan.NewError(op, tinyhan.ErrBufferFull, "packet too large")
	}
	return nil
}

// txRaw marshals and transmits one frame.
func (e *engine) txRaw(hdr *wire.Header, payload []byte, flags tinyhan.SendFlags) error {
	frags := [][]byte{wire.MarshalHeader(hdr)}
	if len(payload) > 0 {
		frags = append(frags, payload)
	}

	e.log.Debugf("OUT: %04X %02X %02X %02X %02X (%d)",
		hdr.Flags, hdr.NetID, hdr.DestAddr, hdr.SrcAddr, hdr.Seq, len(payload))

	if err := e.phy.Send(frags, flags); err != nil {
		e.log.Error("phy send failed", "err", err)
		return err
	}
	e.obs.ObserveFrameOut(wire.HeaderSize + len(payload))
	return nil
}

// txControl transmits an unacknowledged control frame.
func (e *engine) txControl(t wire.Type, opts uint16, dest uint8, payload []byte) error {
	hdr := wire.Header{
		Flags:    wire.MakeFlags(t, opts),
		NetID:    e.netID,
		DestAddr: dest,
		SrcAddr:  e.addr,
		Seq:      e.nextSeq(),
	}
	return e.txRaw(&hdr, payload, 0)
}

// sendToPeer implements the unicast discipline: deferred delivery
// for sleepy peers, cached retransmission for acknowledged sends, direct
// transmission otherwise. Returns the sequence number assigned.
func (e *engine) sendToPeer(p *peer, t wire.Type, opts uint16, payload []byte,
	validity uint16, cb SendCallback) (uint8, error) {

	if p.state == StateUnregistered {
		return 0, tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrPeerUnknown, "")
	}
	if p.state != StateRegistered {
		return 0, tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrPeerBusy, "")
	}
	if err := e.checkSize("SEND", len(payload)); err != nil {
		return 0, err
	}

	hdr := wire.Header{
		Flags:    wire.MakeFlags(t, opts),
		NetID:    e.netID,
		DestAddr: p.addr,
		SrcAddr:  e.addr,
		Seq:      e.nextSeq(),
	}
	ackRequest := hdr.AckRequest()

	if p.sleepy() || ackRequest {
		p.stash(hdr, payload, cb)
	}

	if p.sleepy() {
		// Defer until the peer calls in; hold the packet for the validity
		// period, defaulting to the peer's heartbeat interval.
		secs := uint32(validity)
		if secs == 0 {
			secs = wire.HeartbeatSeconds(p.flags)
		}
		e.log.Debugf("pending transmission for node %02X", p.addr)
		p.state = StateSendPending
		p.validArmed = true
		p.validAt = e.now + constants.SecondsToTicks(secs)
		e.obs.ObserveDeferred()
		return hdr.Seq, nil
	}

	if ackRequest {
		// Enter WaitAck before transmitting: a PHY that delivers
		// synchronously can hand the ack back from inside txRaw
		e.log.Debugf("waiting for ack from node %02X", p.addr)
		p.state = StateWaitAck
		p.ackArmed = true
		p.ackAt = e.now + constants.AckTimeoutTicks
	}

	if err := e.txRaw(&hdr, payload, 0); err != nil {
		// Drop the stashed copy; the failure is reported synchronously
		p.state = StateRegistered
		p.cancelTimers()
		p.sendCb = nil
		p.pendingSize = 0
		return 0, tinyhan.WrapError("SEND", err)
	}

	if !ackRequest && cb != nil {
		// Fire-and-forget sends are complete as soon as they hit the air
		cb(nil)
	}
	return hdr.Seq, nil
}

// dispatchTimers fires any expired timer on p. Called once per peer per
// tick.
func (e *engine) dispatchTimers(p *peer) {
	if p.ackArmed && due(e.now, p.ackAt) {
		p.ackArmed = false
		e.ackTimeout(p)
	}
	if p.validArmed && due(e.now, p.validAt) {
		p.validArmed = false
		e.validityTimeout(p)
	}
}

// ackTimeout handles an acknowledgement deadline: retransmit (or re-defer
// for a sleepy peer), or give up and declare the peer lost.
func (e *engine) ackTimeout(p *peer) {
	if p.state != StateWaitAck {
		return
	}

	e.log.Infof("ack timeout for node %02X", p.addr)
	if p.retries > 0 {
		p.retries--
		e.obs.ObserveRetry()

		if p.sleepy() {
			// The peer has gone back to sleep; park the packet until it
			// next calls in
			p.state = StateSendPending
			p.validArmed = true
			p.validAt = e.now + constants.SecondsToTicks(wire.HeartbeatSeconds(p.flags))
			return
		}

		// Retransmit the cached frame unchanged (same seq) and rearm
		hdr := p.pendingHdr
		e.log.Debugf("OUT (retry): %04X %02X %02X %02X %02X (%d)",
			hdr.Flags, hdr.NetID, hdr.DestAddr, hdr.SrcAddr, hdr.Seq, p.pendingSize)
		p.ackArmed = true
		p.ackAt = e.now + constants.AckTimeoutTicks
		e.txRaw(&hdr, p.pending[:p.pendingSize], 0)
		return
	}

	// Give up
	e.log.Errorf("node %02X has gone away", p.addr)
	e.obs.ObserveSendFailure()
	p.cancelTimers()
	p.complete(tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrAckExhausted, ""))
	e.onPeerLost(p)
}

// validityTimeout gives up on a deferred send the sleepy peer never
// collected. The peer stays registered.
func (e *engine) validityTimeout(p *peer) {
	if p.state != StateSendPending {
		return
	}

	e.log.Errorf("validity period expired for node %02X", p.addr)
	e.obs.ObserveSendFailure()
	p.state = StateRegistered
	p.complete(tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrValidityExpired, ""))
}

// txAck acknowledges a received frame, advertising pending data, and then
// immediately flushes any deferred packet for the peer.
func (e *engine) txAck(p *peer, seq uint8) {
	var opts uint16
	if p.state == StateSendPending {
		opts |= wire.FlagDataPending
	}
	hdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeAck, opts),
		NetID:    e.netID,
		DestAddr: p.addr,
		SrcAddr:  e.addr,
		Seq:      seq,
	}
	e.txRaw(&hdr, nil, 0)

	if p.state == StateSendPending {
		e.flushPending(p)
	}
}

// flushPending transmits the deferred packet now that the peer is awake.
func (e *engine) flushPending(p *peer) {
	p.validArmed = false

	hdr := p.pendingHdr
	e.log.Debugf("PENDING OUT: %04X %02X %02X %02X %02X (%d)",
		hdr.Flags, hdr.NetID, hdr.DestAddr, hdr.SrcAddr, hdr.Seq, p.pendingSize)

	if hdr.AckRequest() {
		e.log.Debugf("waiting for ack from node %02X", p.addr)
		p.state = StateWaitAck
		p.retries = constants.MaxRetries
		p.ackArmed = true
		p.ackAt = e.now + constants.AckTimeoutTicks
		e.txRaw(&hdr, p.pending[:p.pendingSize], 0)
		return
	}

	p.state = StateRegistered
	e.txRaw(&hdr, p.pending[:p.pendingSize], 0)
	p.complete(nil)
}

// handleAck validates an inbound acknowledgement against the in-flight
// packet.
func (e *engine) handleAck(p *peer, hdr *wire.Header) {
	if p == nil || p.state != StateWaitAck {
		e.log.Warnf("unexpected ack")
		return
	}
	if hdr.Seq != p.pendingHdr.Seq {
		e.log.Warnf("bad ack received from %02X", p.addr)
		return
	}

	e.log.Debugf("valid ack received from %02X for %02X", p.addr, hdr.Seq)
	p.cancelTimers()
	p.state = StateRegistered
	p.complete(nil)
}

// accepts applies the inbound address filter: frames for this
// network addressed to us or broadcast, wildcard-network broadcasts, and
// broadcasts while we are unattached.
func (e *engine) accepts(hdr *wire.Header) bool {
	if hdr.NetID == wire.NetworkAny {
		return hdr.DestAddr == wire.AddrBroadcast
	}
	if e.netID == wire.NetworkAny {
		// Not attached: only broadcasts reach us
		return hdr.DestAddr == wire.AddrBroadcast
	}
	if hdr.NetID != e.netID {
		return false
	}
	return hdr.DestAddr == e.addr || hdr.DestAddr == wire.AddrBroadcast
}
