package mac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/constants"
	"github.com/tinyhan/go-tinyhan/internal/wire"
)

const coordUUID = uint64(0xC0C0C0C0C0C0C0C0)

// injectBeacon delivers a coordinator beacon to the node.
func injectBeacon(phy *tinyhan.MockPhy, flags uint8, addrList []uint8) {
	beacon := wire.Beacon{
		UUID:           coordUUID,
		Timestamp:      1,
		Flags:          flags,
		BeaconInterval: 2,
		AddressList:    addrList,
	}
	hdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeBeacon, 0),
		NetID:    testNet,
		DestAddr: wire.AddrBroadcast,
		SrcAddr:  wire.AddrHub,
		Seq:      1,
	}
	phy.Inject(frame(hdr, wire.MarshalBeacon(&beacon)), -60)
}

// attachNode walks a node through the attach handshake.
func attachNode(t *testing.T, n *Node, phy *tinyhan.MockPhy, addr uint8) {
	t.Helper()

	n.Tick() // beacon request
	phy.TakeSent()

	injectBeacon(phy, wire.BeaconFlagPermitAttach, nil)

	sent := phy.TakeSent()
	require.Len(t, sent, 1)
	var hdr wire.Header
	require.NoError(t, wire.UnmarshalHeader(sent[0], &hdr))
	require.Equal(t, wire.TypeRegistrationRequest, hdr.Type())

	resp := wire.RegistrationResponse{UUID: n.uuid, Addr: addr, Status: wire.StatusSuccess}
	rhdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeRegistrationResponse, 0),
		NetID:    testNet,
		DestAddr: wire.AddrUnassigned,
		SrcAddr:  wire.AddrHub,
		Seq:      2,
	}
	phy.Inject(frame(rhdr, wire.MarshalRegistrationResponse(&resp)), -60)

	require.True(t, n.IsRegistered())
	require.Equal(t, addr, n.Addr())
}

func TestNodeBeaconRequestTimeout(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)

	node.Tick()
	require.Len(t, phy.TakeSent(), 1)
	assert.Equal(t, clientBeaconRequest, node.state)

	// Nothing answers for the whole timeout: the cycle restarts
	ticks := int(constants.Ticks(constants.BeaconRequestTimeout)) + 1
	for i := 0; i < ticks; i++ {
		node.Tick()
	}

	// The node fell back to Unregistered and immediately re-requested
	sent := phy.TakeSent()
	require.NotEmpty(t, sent)
	var hdr wire.Header
	require.NoError(t, wire.UnmarshalHeader(sent[len(sent)-1], &hdr))
	assert.Equal(t, wire.TypeBeaconRequest, hdr.Type())
}

func TestNodeRegistrationTimeout(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)

	node.Tick()
	phy.TakeSent()
	injectBeacon(phy, wire.BeaconFlagPermitAttach, nil)
	require.Equal(t, clientRegistering, node.state)
	phy.TakeSent()

	// No registration response within the timeout
	for i := 0; i <= int(constants.Ticks(constants.RegistrationTimeout)); i++ {
		node.Tick()
	}

	assert.False(t, node.IsRegistered())
	assert.Equal(t, wire.NetworkAny, node.netID)
}

func TestNodeIgnoresBeaconWithoutPermitAttach(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)

	node.Tick()
	phy.TakeSent()
	injectBeacon(phy, wire.BeaconFlagSync, nil)

	assert.Empty(t, phy.TakeSent())
	assert.Equal(t, clientBeaconRequest, node.state)
}

func TestNodeRejectedRegistration(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)

	node.Tick()
	phy.TakeSent()
	injectBeacon(phy, wire.BeaconFlagPermitAttach, nil)
	phy.TakeSent()

	resp := wire.RegistrationResponse{UUID: testUUID, Addr: wire.AddrUnassigned, Status: wire.StatusNetworkFull}
	rhdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeRegistrationResponse, 0),
		NetID:    testNet,
		DestAddr: wire.AddrUnassigned,
		SrcAddr:  wire.AddrHub,
		Seq:      2,
	}
	phy.Inject(frame(rhdr, wire.MarshalRegistrationResponse(&resp)), -60)

	assert.False(t, node.IsRegistered())
	assert.Equal(t, wire.NetworkAny, node.netID)
}

// A registration response for a different uuid is ignored unless it was
// addressed straight at us
func TestNodeForcedDeregistration(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)
	attachNode(t, node, phy, 0x09)

	// Broadcast response for someone else: no effect
	other := wire.RegistrationResponse{UUID: 0x1234, Addr: 0x02, Status: wire.StatusSuccess}
	hdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeRegistrationResponse, 0),
		NetID:    testNet,
		DestAddr: wire.AddrUnassigned,
		SrcAddr:  wire.AddrHub,
		Seq:      3,
	}
	phy.Inject(frame(hdr, wire.MarshalRegistrationResponse(&other)), -60)
	assert.True(t, node.IsRegistered())

	// Unicast to us with uuid 0: our address belongs to someone else
	force := wire.RegistrationResponse{UUID: 0, Addr: wire.AddrUnassigned, Status: wire.StatusAddressInvalid}
	hdr.DestAddr = 0x09
	hdr.Seq = 4
	phy.Inject(frame(hdr, wire.MarshalRegistrationResponse(&force)), -60)

	assert.False(t, node.IsRegistered())
	assert.Equal(t, wire.AddrUnassigned, node.Addr())
}

// A registered node polls when its address appears in the beacon list
func TestNodePollsOnBeaconAddressList(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)
	attachNode(t, node, phy, 0x04)

	// Beacon without our address: quiet
	injectBeacon(phy, wire.BeaconFlagSync, []uint8{0x02, 0x03})
	assert.Empty(t, phy.TakeSent())

	// Beacon naming us: poll goes out with ack request
	injectBeacon(phy, wire.BeaconFlagSync, []uint8{0x02, 0x04})
	sent := phy.TakeSent()
	require.Len(t, sent, 1)
	var hdr wire.Header
	require.NoError(t, wire.UnmarshalHeader(sent[0], &hdr))
	assert.Equal(t, wire.TypePoll, hdr.Type())
	assert.True(t, hdr.AckRequest())
	assert.Equal(t, wire.AddrHub, hdr.DestAddr)
	assert.Equal(t, uint8(0x04), hdr.SrcAddr)
	assert.Len(t, sent[0], wire.HeaderSize, "poll carries no payload")
}

// The node acks unicast data and passes the payload up
func TestNodeReceivesData(t *testing.T) {
	var gotSrc uint8
	var gotPayload []byte
	phy := tinyhan.NewMockPhy(testMTU)
	node, err := NewNode(NodeConfig{
		Phy:          phy,
		UUID:         testUUID,
		HeartbeatExp: 5,
		Seed:         2,
		Recv: func(src uint8, payload []byte) {
			gotSrc = src
			gotPayload = append([]byte(nil), payload...)
		},
	})
	require.NoError(t, err)
	attachNode(t, node, phy, 0x01)

	data := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeData, wire.FlagAckRequest),
		NetID:    testNet,
		DestAddr: 0x01,
		SrcAddr:  wire.AddrHub,
		Seq:      0x55,
	}
	phy.Inject(frame(data, []byte("ping")), -60)

	sent := phy.TakeSent()
	require.Len(t, sent, 1)
	var hdr wire.Header
	require.NoError(t, wire.UnmarshalHeader(sent[0], &hdr))
	assert.Equal(t, wire.TypeAck, hdr.Type())
	assert.Equal(t, uint8(0x55), hdr.Seq, "ack echoes the received seq")

	assert.Equal(t, wire.AddrHub, gotSrc)
	assert.Equal(t, []byte("ping"), gotPayload)
}

// Node-side acked send and ack exhaustion detaching the node
func TestNodeSendAckExhaustion(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)
	attachNode(t, node, phy, 0x01)

	var cbErr error
	fired := false
	_, err := node.Send([]byte("up"), true, func(err error) {
		fired = true
		cbErr = err
	})
	require.NoError(t, err)
	require.Len(t, phy.TakeSent(), 1)

	for i := 0; i < 3; i++ {
		node.Tick()
		require.Len(t, phy.TakeSent(), 1, "retry %d", i)
	}
	node.Tick()

	require.True(t, fired)
	assert.True(t, errors.Is(cbErr, tinyhan.ErrAckExhausted))
	assert.False(t, node.IsRegistered(), "losing the coordinator detaches the node")
}

func TestNodeSendWhileDetached(t *testing.T) {
	node, _ := newTestNode(t, testUUID, false, 5)

	_, err := node.Send([]byte("x"), false, nil)
	assert.True(t, errors.Is(err, tinyhan.ErrPeerUnknown))
}

// Sleepy nodes open a listen window after transmitting and when the hub
// advertises pending data
func TestSleepyListenDiscipline(t *testing.T) {
	node, phy := newTestNode(t, testUUID, true, 5)

	assert.False(t, phy.Listening(), "sleepy node starts in standby")

	node.Tick() // beacon request transmitted
	assert.True(t, phy.Listening())
	assert.Equal(t, constants.ListenPeriod, phy.LastDelay())
	before := phy.DelayedStandbyCalls()
	phy.TakeSent()

	injectBeacon(phy, wire.BeaconFlagPermitAttach, nil)
	phy.TakeSent()
	resp := wire.RegistrationResponse{UUID: testUUID, Addr: 0x04, Status: wire.StatusSuccess}
	rhdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeRegistrationResponse, 0),
		NetID:    testNet,
		DestAddr: wire.AddrUnassigned,
		SrcAddr:  wire.AddrHub,
		Seq:      2,
	}
	phy.Inject(frame(rhdr, wire.MarshalRegistrationResponse(&resp)), -60)
	require.True(t, node.IsRegistered())

	// An ack with data pending keeps the receiver on
	ack := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeAck, wire.FlagDataPending),
		NetID:    testNet,
		DestAddr: 0x04,
		SrcAddr:  wire.AddrHub,
		Seq:      9,
	}
	phy.Inject(frame(ack, nil), -60)
	assert.Greater(t, phy.DelayedStandbyCalls(), before)
}

func TestNodeDeregister(t *testing.T) {
	node, phy := newTestNode(t, testUUID, false, 5)
	attachNode(t, node, phy, 0x01)

	require.NoError(t, node.Deregister(wire.DeregReasonPowerDown))
	sent := phy.TakeSent()
	require.Len(t, sent, 1)
	var hdr wire.Header
	require.NoError(t, wire.UnmarshalHeader(sent[0], &hdr))
	assert.Equal(t, wire.TypeDeregistrationRequest, hdr.Type())
	var req wire.DeregistrationRequest
	require.NoError(t, wire.UnmarshalDeregistrationRequest(sent[0][wire.HeaderSize:], &req))
	assert.Equal(t, testUUID, req.UUID)
	assert.Equal(t, wire.DeregReasonPowerDown, req.Reason)

	// The node stays attached until the hub confirms
	assert.True(t, node.IsRegistered())

	resp := wire.RegistrationResponse{UUID: testUUID, Addr: wire.AddrUnassigned, Status: wire.StatusSuccess}
	rhdr := wire.Header{
		Flags:    wire.MakeFlags(wire.TypeRegistrationResponse, 0),
		NetID:    testNet,
		DestAddr: 0x01,
		SrcAddr:  wire.AddrHub,
		Seq:      5,
	}
	phy.Inject(frame(rhdr, wire.MarshalRegistrationResponse(&resp)), -60)
	assert.False(t, node.IsRegistered())
}
