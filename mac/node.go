package mac

import (
	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/constants"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/internal/wire"
)

// Deregistration reasons announced by a departing node.
const (
	DeregReasonUser      = wire.DeregReasonUser
	DeregReasonPowerDown = wire.DeregReasonPowerDown
)

// clientState is the attach state machine of a leaf node.
type clientState uint8

const (
	clientUnregistered clientState = iota
	clientBeaconRequest
	clientRegistering
	clientRegistered
)

var clientStateNames = [...]string{
	"Unregistered",
	"BeaconRequest",
	"Registering",
	"Registered",
}

func (s clientState) String() string {
	if int(s) < len(clientStateNames) {
		return clientStateNames[s]
	}
	return "Unknown"
}

// NodeConfig configures a leaf node engine.
type NodeConfig struct {
	// Phy is the transport; it must already be initialized.
	Phy tinyhan.Phy

	// UUID is this station's hardware identifier, sent when registering.
	UUID uint64

	// Sleepy marks this node as battery powered: the receiver is only
	// enabled in short windows and the coordinator defers downlink
	// traffic until the node polls.
	Sleepy bool

	// HeartbeatExp promises a transmission at least every 2^n seconds.
	HeartbeatExp uint8

	// Recv receives data payloads from the coordinator.
	Recv RecvFunc

	Logger   *logging.Logger
	Observer tinyhan.Observer

	// Seed makes sequence number allocation deterministic in tests.
	Seed int64
}

// Node is a TinyHAN leaf: it discovers a coordinator through beacons,
// registers for a short address, and exchanges acknowledged unicast data
// with the hub.
//
// Not safe for concurrent use: Tick, sends, and the PHY receive path must
// run on one logical thread.
type Node struct {
	engine

	attachFlags uint16
	state       clientState
	coord       peer

	// Timer for the beacon request and registration phases
	procArmed bool
	procAt    uint32
}

// NewNode creates a leaf node on the given PHY and registers its receive
// callback. The node starts detached; the attach sequence begins on the
// first Tick.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Phy == nil {
		return nil, tinyhan.NewError("INIT", tinyhan.ErrWrongState, "no phy")
	}

	n := &Node{
		attachFlags: wire.AttachFlags(cfg.Sleepy, cfg.HeartbeatExp),
		state:       clientUnregistered,
	}
	n.setup(cfg.Phy, cfg.Logger, cfg.Observer, cfg.Seed)
	n.uuid = cfg.UUID
	n.netID = wire.NetworkAny
	n.addr = wire.AddrUnassigned
	n.rx = cfg.Recv
	n.onPeerLost = func(*peer) { n.reset() }

	cfg.Phy.RegisterRecv(func(buf []byte, rssi int8) {
		n.recvFrame(buf, rssi)
	})
	if cfg.Sleepy {
		if err := cfg.Phy.Standby(); err != nil {
			return nil, tinyhan.WrapError("INIT", err)
		}
	} else {
		if err := cfg.Phy.Listen(); err != nil {
			return nil, tinyhan.WrapError("INIT", err)
		}
	}

	return n, nil
}

// IsRegistered reports whether the node holds a short address.
func (n *Node) IsRegistered() bool { return n.state == clientRegistered }

// Addr returns the assigned short address, or AddrUnassigned.
func (n *Node) Addr() uint8 { return n.addr }

// NetID returns the attached network id, or NetworkAny.
func (n *Node) NetID() uint8 { return n.netID }

// Coordinator returns the coordinator's record while attached.
func (n *Node) Coordinator() (NodeInfo, bool) {
	if n.state == clientUnregistered {
		return NodeInfo{}, false
	}
	return n.coord.info(), true
}

func (n *Node) sleepy() bool {
	return wire.IsSleepy(n.attachFlags)
}

// afterTx opens the sleepy node's brief listen window following a
// transmission. Non-sleepy nodes are in receive mode continuously.
func (n *Node) afterTx() {
	if n.sleepy() {
		n.phy.Listen()
		n.phy.DelayedStandby(constants.ListenPeriod)
	}
}

// reset drops the coordinator and returns to the detached state; the next
// tick restarts the beacon request cycle.
func (n *Node) reset() {
	if n.state == clientRegistered {
		n.log.Errorf("coordinator has gone away")
		n.obs.ObserveDeregistration()
	}
	n.coord.cancelTimers()
	n.coord.complete(tinyhan.NewPeerError("SEND", n.coord.addr, tinyhan.ErrAckExhausted, "coordinator lost"))
	n.coord = peer{}
	n.procArmed = false
	n.state = clientUnregistered
	n.addr = wire.AddrUnassigned
	n.netID = wire.NetworkAny
}

// Tick drives the attach cycle and per-peer timers. Call every 250 ms.
func (n *Node) Tick() {
	n.now++

	if n.state == clientUnregistered {
		// Solicit a beacon from any coordinator in range
		n.state = clientBeaconRequest
		n.txControl(wire.TypeBeaconRequest, 0, wire.AddrBroadcast, nil)
		n.afterTx()

		n.procArmed = true
		n.procAt = n.now + constants.Ticks(constants.BeaconRequestTimeout)
	}

	if n.procArmed && due(n.now, n.procAt) {
		n.procArmed = false
		if n.state == clientBeaconRequest || n.state == clientRegistering {
			n.log.Debugf("beacon request/registration timeout")
			n.reset()
		}
	}

	n.dispatchTimers(&n.coord)
}

// Send delivers a data payload to the coordinator. With ackRequest set,
// delivery is retried and cb reports the outcome; exhaustion detaches the
// node.
func (n *Node) Send(payload []byte, ackRequest bool, cb SendCallback) (uint8, error) {
	if n.state != clientRegistered {
		return 0, tinyhan.NewError("SEND", tinyhan.ErrPeerUnknown, "not attached")
	}

	var opts uint16
	if ackRequest {
		opts |= wire.FlagAckRequest
	}
	seq, err := n.sendToPeer(&n.coord, wire.TypeData, opts, payload, 0, cb)
	if err == nil {
		n.afterTx()
	}
	return seq, err
}

// Deregister asks the coordinator to release this node's address. The
// node detaches only when the coordinator confirms; if the request is
// lost the node stays attached, and the coordinator frees the address on
// heartbeat expiry.
func (n *Node) Deregister(reason uint8) error {
	if n.state != clientRegistered {
		return tinyhan.NewError("DEREGISTER", tinyhan.ErrWrongState, "not attached")
	}

	req := wire.DeregistrationRequest{UUID: n.uuid, Reason: reason}
	err := n.txControl(wire.TypeDeregistrationRequest, 0, n.coord.addr,
		wire.MarshalDeregistrationRequest(&req))
	n.afterTx()
	return err
}

// recvFrame is the PHY receive callback.
func (n *Node) recvFrame(buf []byte, rssi int8) {
	var hdr wire.Header
	if err := wire.UnmarshalHeader(buf, &hdr); err != nil {
		n.log.Warnf("discarding short frame")
		n.obs.ObserveFrameDropped()
		return
	}

	if hdr.SrcAddr == n.addr {
		// Quietly ignore loopbacks
		return
	}

	n.log.Debugf("IN: %04X %02X %02X %02X %02X (%d)",
		hdr.Flags, hdr.NetID, hdr.DestAddr, hdr.SrcAddr, hdr.Seq, len(buf)-wire.HeaderSize)

	if !n.accepts(&hdr) {
		n.log.Debugf("not for us")
		n.obs.ObserveFrameDropped()
		return
	}
	n.obs.ObserveFrameIn(len(buf))

	payload := buf[wire.HeaderSize:]

	// Traffic from our coordinator refreshes its liveness record
	fromCoord := n.state != clientUnregistered && hdr.SrcAddr == n.coord.addr &&
		hdr.NetID == n.netID
	if fromCoord {
		n.coord.lastHeard = n.now
		n.coord.rssi = rssi

		if hdr.DestAddr == n.addr && hdr.DestAddr != wire.AddrBroadcast && hdr.AckRequest() {
			n.txAck(&n.coord, hdr.Seq)
			n.afterTx()
		}
	}

	// A sleepy node keeps listening briefly when the hub advertises more
	// downlink traffic
	if hdr.DataPending() && n.sleepy() {
		n.phy.DelayedStandby(constants.ListenPeriod)
	}

	switch hdr.Type() {
	case wire.TypeBeacon:
		var beacon wire.Beacon
		if err := wire.UnmarshalBeacon(payload, &beacon); err != nil {
			n.log.Warnf("discarding short beacon")
			n.obs.ObserveFrameDropped()
			return
		}
		n.handleBeacon(&hdr, &beacon, rssi)

	case wire.TypeAck:
		if fromCoord {
			n.handleAck(&n.coord, &hdr)
		} else {
			n.log.Warnf("unexpected ack")
		}

	case wire.TypeData:
		if n.rx != nil {
			n.rx(hdr.SrcAddr, payload)
		}

	case wire.TypeRegistrationResponse:
		var resp wire.RegistrationResponse
		if err := wire.UnmarshalRegistrationResponse(payload, &resp); err != nil {
			n.log.Warnf("discarding short registration response")
			n.obs.ObserveFrameDropped()
			return
		}
		n.handleRegistrationResponse(&hdr, &resp)

	case wire.TypeBeaconRequest, wire.TypePoll,
		wire.TypeRegistrationRequest, wire.TypeDeregistrationRequest:
		// Coordinator-bound traffic from other nodes; not ours to answer

	default:
		n.log.Warnf("unsupported frame type %d", hdr.Type())
	}
}

func (n *Node) handleBeacon(hdr *wire.Header, beacon *wire.Beacon, rssi int8) {
	sync := beacon.Flags&wire.BeaconFlagSync != 0
	if sync {
		n.log.Debugf("BEACON from %016X (SYNC)", beacon.UUID)
	} else {
		n.log.Debugf("BEACON from %016X (ADV)", beacon.UUID)
	}

	// A beacon answers an outstanding beacon request
	if n.state == clientBeaconRequest {
		n.procArmed = false
	}

	switch n.state {
	case clientUnregistered, clientBeaconRequest:
		if beacon.Flags&wire.BeaconFlagPermitAttach == 0 {
			return
		}

		// Provisionally bind to this network and ask to attach
		n.netID = hdr.NetID
		n.coord = peer{
			uuid:      beacon.UUID,
			addr:      hdr.SrcAddr,
			state:     StateRegistered,
			lastHeard: n.now,
			rssi:      rssi,
		}
		n.state = clientRegistering

		req := wire.RegistrationRequest{UUID: n.uuid, Flags: n.attachFlags}
		n.txControl(wire.TypeRegistrationRequest, 0, n.coord.addr,
			wire.MarshalRegistrationRequest(&req))
		n.afterTx()

		n.procArmed = true
		n.procAt = n.now + constants.Ticks(constants.RegistrationTimeout)

	case clientRegistered:
		// Poll the hub if it holds deferred data for us
		for _, addr := range beacon.AddressList {
			if addr == n.addr {
				n.log.Infof("polling coordinator for pending data")
				if _, err := n.sendToPeer(&n.coord, wire.TypePoll, wire.FlagAckRequest, nil, 0, nil); err != nil {
					n.log.Warnf("poll failed: %v", err)
				} else {
					n.afterTx()
				}
				break
			}
		}
	}
}

func (n *Node) handleRegistrationResponse(hdr *wire.Header, resp *wire.RegistrationResponse) {
	n.log.Debugf("REG RESPONSE for %016X %02X", resp.UUID, resp.Addr)

	if resp.UUID != n.uuid {
		// Someone else's response, unless it was addressed straight at
		// us, which means our address belongs to a different uuid and we
		// must re-register
		if hdr.DestAddr == n.addr && hdr.DestAddr != wire.AddrBroadcast &&
			n.state == clientRegistered {
			n.log.Errorf("address clash, deregistering")
			n.reset()
		}
		return
	}

	if n.state == clientRegistering {
		n.procArmed = false
	}

	if resp.Status != wire.StatusSuccess {
		n.log.Errorf("registration error: %s", resp.Status)
		n.reset()
		return
	}

	if resp.Addr == wire.AddrUnassigned {
		// Detachment confirmed
		n.log.Infof("detached from network %02X", n.netID)
		n.reset()
		return
	}

	if n.state == clientRegistering {
		// Attachment - only if we are expecting it
		n.addr = resp.Addr
		n.netID = hdr.NetID
		n.state = clientRegistered
		n.obs.ObserveRegistration()
		n.log.Infof("new address %02X %02X", n.netID, n.addr)
	}
}
