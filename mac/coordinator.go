package mac

import (
	"fmt"
	"io"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/constants"
	"github.com/tinyhan/go-tinyhan/internal/logging"
	"github.com/tinyhan/go-tinyhan/internal/wire"
)

// RegistryCallback is invoked when a peer joins or leaves the network.
type RegistryCallback func(info NodeInfo)

// CoordinatorConfig configures a coordinator (hub) engine.
type CoordinatorConfig struct {
	// Phy is the transport; it must already be initialized. The
	// coordinator keeps the receiver enabled continuously.
	Phy tinyhan.Phy

	// UUID is this station's hardware identifier, advertised in beacons.
	UUID uint64

	// NetID selects the network identifier; zero picks one at random.
	NetID uint8

	// BeaconInterval is the sync beacon period exponent: a beacon is
	// emitted every 2^n slots. BeaconIntervalNone disables periodic
	// beacons.
	BeaconInterval uint8

	// BeaconOffset selects the slot within the beacon period.
	BeaconOffset uint8

	// PermitAttach starts the coordinator with the permit-attach bit set
	// in its beacons.
	PermitAttach bool

	// Recv receives data payloads from peers.
	Recv RecvFunc

	// OnRegister and OnDeregister track registry changes.
	OnRegister   RegistryCallback
	OnDeregister RegistryCallback

	Logger   *logging.Logger
	Observer tinyhan.Observer

	// Seed makes sequence number allocation deterministic in tests.
	Seed int64
}

// Coordinator is the hub of a TinyHAN star network: it beacons, assigns
// short addresses, tracks liveness, and defers downlink traffic for
// sleepy peers.
//
// Not safe for concurrent use: Tick, sends, and the PHY receive path must
// run on one logical thread.
type Coordinator struct {
	engine

	nodes [constants.MaxNodes]peer

	slot         uint16
	bseq         uint8
	beaconExp    uint8
	beaconOffset uint8
	permitAttach bool

	onRegister   RegistryCallback
	onDeregister RegistryCallback
}

// NewCoordinator creates a coordinator on the given PHY and registers its
// receive callback.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Phy == nil {
		return nil, tinyhan.NewError("INIT", tinyhan.ErrWrongState, "no phy")
	}

	c := &Coordinator{
		beaconExp:    cfg.BeaconInterval,
		beaconOffset: cfg.BeaconOffset,
		permitAttach: cfg.PermitAttach,
		onRegister:   cfg.OnRegister,
		onDeregister: cfg.OnDeregister,
	}
	c.setup(cfg.Phy, cfg.Logger, cfg.Observer, cfg.Seed)
	c.uuid = cfg.UUID
	c.addr = wire.AddrHub
	c.rx = cfg.Recv
	c.onPeerLost = c.freeSlot

	c.netID = cfg.NetID
	for c.netID == 0 || c.netID == wire.NetworkAny {
		c.netID = uint8(c.rng.Intn(256))
	}
	c.bseq = uint8(c.rng.Intn(256))

	// Pre-assign short addresses 0x01..MaxNodes
	for i := range c.nodes {
		c.nodes[i].state = StateUnregistered
		c.nodes[i].addr = uint8(i + 1)
	}

	cfg.Phy.RegisterRecv(func(buf []byte, rssi int8) {
		c.recvFrame(buf, rssi)
	})
	if err := cfg.Phy.Listen(); err != nil {
		return nil, tinyhan.WrapError("INIT", err)
	}

	return c, nil
}

// NetID returns the network identifier chosen at init.
func (c *Coordinator) NetID() uint8 { return c.netID }

// PermitAttach sets or clears the permit-attach bit of subsequent beacons.
// Nodes only attach on beacons carrying the bit; a registration request
// that arrives while it is clear is still honored.
func (c *Coordinator) PermitAttach(permit bool) {
	c.log.Debugf("permit_attach=%v", permit)
	c.permitAttach = permit
}

// nodeByAddr returns the registry entry currently using addr, or nil.
func (c *Coordinator) nodeByAddr(addr uint8) *peer {
	for i := range c.nodes {
		if c.nodes[i].state != StateUnregistered && c.nodes[i].addr == addr {
			return &c.nodes[i]
		}
	}
	return nil
}

// nodeByUUID returns the registry entry for a hardware id, registered or
// not, so a rebooting node gets its old slot back.
func (c *Coordinator) nodeByUUID(uuid uint64) *peer {
	for i := range c.nodes {
		if c.nodes[i].uuid == uuid {
			return &c.nodes[i]
		}
	}
	return nil
}

// freeNode returns a slot for a new registration, preferring one that has
// never been used.
func (c *Coordinator) freeNode() *peer {
	var fallback *peer
	for i := range c.nodes {
		if c.nodes[i].uuid == 0 {
			return &c.nodes[i]
		}
		if fallback == nil && c.nodes[i].state == StateUnregistered {
			fallback = &c.nodes[i]
		}
	}
	return fallback
}

// freeSlot releases a peer's registration, keeping the uuid for slot
// reuse.
func (c *Coordinator) freeSlot(p *peer) {
	p.cancelTimers()
	p.state = StateUnregistered
	c.obs.ObserveDeregistration()
	if c.onDeregister != nil {
		c.onDeregister(p.info())
	}
}

// Tick advances the slot counter, emits the sync beacon when due, and
// dispatches peer timers and heartbeat expiry. Call every 250 ms.
func (c *Coordinator) Tick() {
	c.now++
	c.slot++

	if c.beaconExp != wire.BeaconIntervalNone &&
		c.slot&((1<<c.beaconExp)-1) == uint16(c.beaconOffset) {
		c.log.Debugf("sync beacon")
		c.txBeacon(true)
	}

	for i := range c.nodes {
		c.dispatchTimers(&c.nodes[i])
	}

	// Heartbeat expiry: a peer that has not been heard within its promised
	// period plus grace is assumed gone
	grace := constants.Ticks(constants.HeartbeatGrace)
	for i := range c.nodes {
		p := &c.nodes[i]
		if p.state != StateRegistered && p.state != StateSendPending {
			continue
		}
		limit := p.lastHeard + constants.SecondsToTicks(wire.HeartbeatSeconds(p.flags)) + grace
		if due(c.now, limit) {
			c.log.Errorf("heartbeat expired for node %02X", p.addr)
			if p.hasPending() {
				c.obs.ObserveSendFailure()
			}
			p.complete(tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrAckExhausted, "heartbeat expired"))
			c.freeSlot(p)
		}
	}
}

// Send queues a data payload for the peer at dest. For sleepy peers the
// packet is deferred until the peer calls in, held for validity seconds
// (0 means the peer's heartbeat interval). With ackRequest set, delivery
// is retried up to MaxRetries times; cb reports the final outcome.
func (c *Coordinator) Send(dest uint8, payload []byte, validity uint16, ackRequest bool, cb SendCallback) (uint8, error) {
	p := c.nodeByAddr(dest)
	if p == nil {
		return 0, tinyhan.NewPeerError("SEND", dest, tinyhan.ErrPeerUnknown, "")
	}

	var opts uint16
	if ackRequest {
		opts |= wire.FlagAckRequest
	}
	return c.sendToPeer(p, wire.TypeData, opts, payload, validity, cb)
}

// txBeacon broadcasts a beacon. Periodic (sync) beacons carry the
// addresses of every peer with deferred data and bypass CCA so they hit
// their slot.
func (c *Coordinator) txBeacon(periodic bool) {
	var addrList []uint8
	if periodic {
		for i := range c.nodes {
			if c.nodes[i].state == StateSendPending {
				addrList = append(addrList, c.nodes[i].addr)
			}
		}
	}

	var flags uint8
	if periodic {
		flags |= wire.BeaconFlagSync
	}
	if c.permitAttach {
		flags |= wire.BeaconFlagPermitAttach
	}

	beacon := wire.Beacon{
		UUID:           c.uuid,
		Timestamp:      c.slot,
		Flags:          flags,
		BeaconInterval: c.beaconExp,
		AddressList:    addrList,
	}

	c.bseq++
	hdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeBeacon, 0),
		NetID:    c.netID,
		DestAddr: wire.AddrBroadcast,
		SrcAddr:  c.addr,
		Seq:      c.bseq,
	}

	var sendFlags tinyhan.SendFlags
	if periodic {
		sendFlags |= tinyhan.SendImmediate
	}
	c.txRaw(&hdr, wire.MarshalBeacon(&beacon), sendFlags)
}

// recvFrame is the PHY receive callback.
func (c *Coordinator) recvFrame(buf []byte, rssi int8) {
	var hdr wire.Header
	if err := wire.UnmarshalHeader(buf, &hdr); err != nil {
		c.log.Warnf("discarding short frame")
		c.obs.ObserveFrameDropped()
		return
	}

	if hdr.SrcAddr == c.addr {
		// Quietly ignore loopbacks
		return
	}

	c.log.Debugf("IN: %04X %02X %02X %02X %02X (%d)",
		hdr.Flags, hdr.NetID, hdr.DestAddr, hdr.SrcAddr, hdr.Seq, len(buf)-wire.HeaderSize)

	if !c.accepts(&hdr) {
		c.log.Debugf("not for us")
		c.obs.ObserveFrameDropped()
		return
	}
	c.obs.ObserveFrameIn(len(buf))

	payload := buf[wire.HeaderSize:]

	// For unicast frames from an assigned source the sender must be
	// registered; unknown senders are told to re-register
	var src *peer
	if hdr.NetID != wire.NetworkAny && hdr.SrcAddr != wire.AddrUnassigned &&
		hdr.DestAddr != wire.AddrBroadcast {
		src = c.nodeByAddr(hdr.SrcAddr)
		if src == nil {
			c.log.Warnf("frame from unregistered node %02X", hdr.SrcAddr)
			c.txForceReregister(hdr.SrcAddr)
			return
		}
		src.lastHeard = c.now
		src.rssi = rssi

		if hdr.AckRequest() {
			c.txAck(src, hdr.Seq)
		}
	} else if hdr.SrcAddr != wire.AddrUnassigned {
		// Broadcast from a known peer still refreshes liveness
		if p := c.nodeByAddr(hdr.SrcAddr); p != nil {
			p.lastHeard = c.now
			p.rssi = rssi
		}
	}

	switch hdr.Type() {
	case wire.TypeBeaconRequest:
		// Solicits an advertisement beacon
		c.log.Debugf("beacon request")
		c.txBeacon(false)

	case wire.TypePoll:
		// Just solicits an ack (and any pending data), handled above

	case wire.TypeAck:
		c.handleAck(src, &hdr)

	case wire.TypeData:
		if c.rx != nil {
			c.rx(hdr.SrcAddr, payload)
		}

	case wire.TypeRegistrationRequest:
		var req wire.RegistrationRequest
		if err := wire.UnmarshalRegistrationRequest(payload, &req); err != nil {
			c.log.Warnf("discarding short registration request")
			c.obs.ObserveFrameDropped()
			return
		}
		c.handleRegistrationRequest(&hdr, &req, rssi)

	case wire.TypeDeregistrationRequest:
		var req wire.DeregistrationRequest
		if err := wire.UnmarshalDeregistrationRequest(payload, &req); err != nil {
			c.log.Warnf("discarding short deregistration request")
			c.obs.ObserveFrameDropped()
			return
		}
		c.handleDeregistrationRequest(&hdr, &req)

	case wire.TypeBeacon, wire.TypeRegistrationResponse:
		// Coordinator to coordinator traffic is ignored

	default:
		c.log.Warnf("unsupported frame type %d", hdr.Type())
	}
}

// txForceReregister tells an unknown sender to drop its stale address.
func (c *Coordinator) txForceReregister(dest uint8) {
	resp := wire.RegistrationResponse{
		UUID:   0,
		Addr:   wire.AddrUnassigned,
		Status: wire.StatusAddressInvalid,
	}
	c.txControl(wire.TypeRegistrationResponse, 0, dest, wire.MarshalRegistrationResponse(&resp))
}

func (c *Coordinator) handleRegistrationRequest(hdr *wire.Header, req *wire.RegistrationRequest, rssi int8) {
	c.log.Debugf("registration request from %016X", req.UUID)

	// Reuse the slot for a known uuid, else allocate
	p := c.nodeByUUID(req.UUID)
	if p == nil {
		p = c.freeNode()
	}

	var resp wire.RegistrationResponse
	if p != nil {
		// A returning node abandons any packet still parked for it
		p.cancelTimers()
		p.sendCb = nil
		p.pendingSize = 0

		c.log.Infof("registered node %02X for %016X with flags %04X", p.addr, req.UUID, req.Flags)
		p.state = StateRegistered
		p.uuid = req.UUID
		p.flags = req.Flags
		p.lastHeard = c.now
		p.rssi = rssi
		c.obs.ObserveRegistration()

		resp = wire.RegistrationResponse{UUID: req.UUID, Addr: p.addr, Status: wire.StatusSuccess}
	} else {
		c.log.Errorf("network full")
		resp = wire.RegistrationResponse{UUID: req.UUID, Addr: wire.AddrUnassigned, Status: wire.StatusNetworkFull}
	}

	// The reply goes back to the requester's current address, which is
	// the broadcast/unassigned address for a fresh attach; the node
	// matches on uuid
	c.txControl(wire.TypeRegistrationResponse, 0, hdr.SrcAddr, wire.MarshalRegistrationResponse(&resp))

	if p != nil && c.onRegister != nil {
		c.onRegister(p.info())
	}
}

func (c *Coordinator) handleDeregistrationRequest(hdr *wire.Header, req *wire.DeregistrationRequest) {
	p := c.nodeByAddr(hdr.SrcAddr)
	if p == nil || p.uuid != req.UUID {
		// Ignore if the source is unknown or the uuid doesn't match
		c.log.Warnf("bad deregistration request from %016X", req.UUID)
		return
	}

	c.log.Infof("de-registered node %02X for %016X reason %d", p.addr, p.uuid, req.Reason)

	resp := wire.RegistrationResponse{UUID: req.UUID, Addr: wire.AddrUnassigned, Status: wire.StatusSuccess}
	c.txControl(wire.TypeRegistrationResponse, 0, hdr.SrcAddr, wire.MarshalRegistrationResponse(&resp))

	p.complete(tinyhan.NewPeerError("SEND", p.addr, tinyhan.ErrPeerUnknown, "peer deregistered"))
	c.freeSlot(p)
}

// Nodes returns a snapshot of every slot that has ever been used.
func (c *Coordinator) Nodes() []NodeInfo {
	var out []NodeInfo
	for i := range c.nodes {
		if c.nodes[i].uuid != 0 {
			out = append(out, c.nodes[i].info())
		}
	}
	return out
}

// Node returns the registry entry for a registered short address.
func (c *Coordinator) Node(addr uint8) (NodeInfo, bool) {
	p := c.nodeByAddr(addr)
	if p == nil {
		return NodeInfo{}, false
	}
	return p.info(), true
}

// DumpNodes writes the registry table for diagnostics.
func (c *Coordinator) DumpNodes(w io.Writer) {
	fmt.Fprintf(w, "Network %02X\n", c.netID)
	fmt.Fprintf(w, "Permit attach: %v\n\n", c.permitAttach)
	fmt.Fprintf(w, "Registered nodes:\n\n")
	fmt.Fprintf(w, "******************************************************************\n")
	fmt.Fprintf(w, "| Addr | UUID             | Flags | State           | Last Heard |\n")
	fmt.Fprintf(w, "******************************************************************\n")
	for i := range c.nodes {
		p := &c.nodes[i]
		if p.uuid != 0 {
			fmt.Fprintf(w, "|  %02X  | %016X | %04X  | %15s | %10d |\n",
				p.addr, p.uuid, p.flags, p.state, p.lastHeard)
		}
	}
	fmt.Fprintf(w, "******************************************************************\n")
}
