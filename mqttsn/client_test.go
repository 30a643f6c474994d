package mqttsn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tinyhan "github.com/tinyhan/go-tinyhan"
)

// testHarness wires a Client to a capture buffer and a fake clock.
type testHarness struct {
	client *Client
	sent   [][]byte
	now    uint32

	pubs    []inboundPub
	pubacks []pubackEvent
}

type inboundPub struct {
	topicIndex int
	data       []byte
}

type pubackEvent struct {
	msgID uint16
	err   error
}

func newHarness(t *testing.T, topics []Topic) *testHarness {
	t.Helper()
	h := &testHarness{}
	client, err := NewClient(Config{
		ClientID: "test01",
		Topics:   topics,
		Send: func(pkt []byte) error {
			h.sent = append(h.sent, append([]byte(nil), pkt...))
			return nil
		},
		OnPublish: func(topicIndex int, data []byte) {
			h.pubs = append(h.pubs, inboundPub{topicIndex, append([]byte(nil), data...)})
		},
		OnPuback: func(msgID uint16, err error) {
			h.pubacks = append(h.pubacks, pubackEvent{msgID, err})
		},
		Now: func() uint32 { return h.now },
	})
	require.NoError(t, err)
	h.client = client
	return h
}

func (h *testHarness) take() [][]byte {
	out := h.sent
	h.sent = nil
	return out
}

// connectAccepted walks the client through CONNECT/CONNACK and the
// registration sweep, answering every step with the given topic ids.
func (h *testHarness) connectAccepted(t *testing.T, ids map[int]uint16) {
	t.Helper()
	require.NoError(t, h.client.Connect())
	require.Equal(t, StateConnecting, h.client.State())
	h.take()

	h.client.Handle(MarshalConnack(&Connack{ReturnCode: RCAccepted}))

	for i := 0; i < len(ids)+1; i++ {
		sent := h.take()
		if len(sent) == 0 {
			break
		}
		msgType, _, err := ParseHeader(sent[len(sent)-1])
		require.NoError(t, err)
		switch msgType {
		case MsgRegister:
			var reg Register
			require.NoError(t, UnmarshalRegister(sent[len(sent)-1], &reg))
			h.client.Handle(MarshalRegack(&Regack{
				TopicID:    ids[int(reg.MsgID)],
				MsgID:      reg.MsgID,
				ReturnCode: RCAccepted,
			}))
		case MsgSubscribe:
			var sub Subscribe
			require.NoError(t, UnmarshalSubscribe(sent[len(sent)-1], &sub))
			h.client.Handle(MarshalSuback(&Suback{
				TopicID:    ids[int(sub.MsgID)],
				MsgID:      sub.MsgID,
				ReturnCode: RCAccepted,
			}))
		}
	}
	require.Equal(t, StateConnected, h.client.State())
}

// Publish QoS 1 end to end: register, publish, puback
func TestPublishQoS1(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})

	require.NoError(t, h.client.Connect())
	sent := h.take()
	require.Len(t, sent, 1)
	msgType, _, err := ParseHeader(sent[0])
	require.NoError(t, err)
	assert.Equal(t, MsgConnect, msgType)

	h.client.Handle(MarshalConnack(&Connack{ReturnCode: RCAccepted}))

	// The sweep issues REGISTER("a/b", msg_id=0)
	sent = h.take()
	require.Len(t, sent, 1)
	var reg Register
	require.NoError(t, UnmarshalRegister(sent[0], &reg))
	assert.Equal(t, uint16(0), reg.MsgID)
	assert.Equal(t, "a/b", string(reg.TopicName))
	assert.Equal(t, StateBusy, h.client.State())

	h.client.Handle(MarshalRegack(&Regack{TopicID: 0x0007, MsgID: 0, ReturnCode: RCAccepted}))
	require.Equal(t, StateConnected, h.client.State())

	id, ok := h.client.TopicID(0)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0007), id)

	// publish(0, qos=1, "x")
	msgID, err := h.client.Publish(0, 1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), msgID)
	assert.Equal(t, StateBusy, h.client.State())

	sent = h.take()
	require.Len(t, sent, 1)
	var pub Publish
	require.NoError(t, UnmarshalPublish(sent[0], &pub))
	assert.Equal(t, uint16(0x0007), pub.TopicID)
	assert.Equal(t, uint16(1), pub.MsgID)
	assert.Equal(t, FlagQoS1|FlagTopicIDNorm, pub.Flags)
	assert.Equal(t, "x", string(pub.Data))

	h.client.Handle(MarshalPuback(&Puback{TopicID: 0x0007, MsgID: 1, ReturnCode: RCAccepted}))

	assert.Equal(t, StateConnected, h.client.State())
	require.Len(t, h.pubacks, 1)
	assert.Equal(t, uint16(1), h.pubacks[0].msgID)
	assert.NoError(t, h.pubacks[0].err)
}

// Connect retry then forced disconnect
func TestConnectRetryExhaustion(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.client.Connect())
	first := h.take()
	require.Len(t, first, 1)

	// No CONNACK: one retry every T_RETRY seconds, identical bytes
	for i := 0; i < NRetry; i++ {
		h.now += TRetry
		h.client.Poll()
		require.Equal(t, StateConnecting, h.client.State(), "retry %d", i)
		sent := h.take()
		require.Len(t, sent, 1, "retry %d", i)
		assert.Equal(t, first[0], sent[0], "retry %d buffer differs", i)
	}

	h.now += TRetry
	h.client.Poll()
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Empty(t, h.take())
}

// Two consecutive connects: the second is rejected
func TestDoubleConnectRejected(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.client.Connect())
	err := h.client.Connect()
	assert.True(t, errors.Is(err, tinyhan.ErrWrongState))
	assert.Equal(t, StateConnecting, h.client.State())
}

// A duplicate REGACK in Connected state is a no-op
func TestDuplicateRegackIgnored(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	h.client.Handle(MarshalRegack(&Regack{TopicID: 0x0009, MsgID: 0, ReturnCode: RCAccepted}))

	assert.Equal(t, StateConnected, h.client.State())
	id, _ := h.client.TopicID(0)
	assert.Equal(t, uint16(0x0007), id, "duplicate regack must not rebind the topic")
}

// Registration sweep mixing publish and subscribe topics, with one reject
func TestRegistrationSweep(t *testing.T) {
	h := newHarness(t, []Topic{
		PublishTopic("sensor/temp"),
		SubscribeTopic("control", 1),
		PublishTopic("sensor/batt"),
	})

	require.NoError(t, h.client.Connect())
	h.take()
	h.client.Handle(MarshalConnack(&Connack{ReturnCode: RCAccepted}))

	// Topic 0: REGISTER, accepted
	sent := h.take()
	require.Len(t, sent, 1)
	var reg Register
	require.NoError(t, UnmarshalRegister(sent[0], &reg))
	assert.Equal(t, "sensor/temp", string(reg.TopicName))
	h.client.Handle(MarshalRegack(&Regack{TopicID: 0x0101, MsgID: 0, ReturnCode: RCAccepted}))

	// Topic 1: SUBSCRIBE with QoS 1, accepted
	sent = h.take()
	require.Len(t, sent, 1)
	var sub Subscribe
	require.NoError(t, UnmarshalSubscribe(sent[0], &sub))
	assert.Equal(t, "control", string(sub.TopicName))
	assert.Equal(t, FlagQoS1, sub.Flags&FlagQoSMask)
	assert.Equal(t, uint16(1), sub.MsgID)
	h.client.Handle(MarshalSuback(&Suback{TopicID: 0x0102, MsgID: 1, ReturnCode: RCAccepted}))

	// Topic 2: rejected; the sweep proceeds regardless
	sent = h.take()
	require.Len(t, sent, 1)
	require.NoError(t, UnmarshalRegister(sent[0], &reg))
	assert.Equal(t, "sensor/batt", string(reg.TopicName))
	h.client.Handle(MarshalRegack(&Regack{TopicID: 0, MsgID: 2, ReturnCode: RCInvalidTopic}))

	assert.Equal(t, StateConnected, h.client.State())

	id, ok := h.client.TopicID(0)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0101), id)
	id, ok = h.client.TopicID(1)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0102), id)
	_, ok = h.client.TopicID(2)
	assert.False(t, ok, "rejected topic must stay unbound")

	// Publishing on the rejected topic fails without a state change
	_, err := h.client.Publish(2, 1, []byte("x"))
	assert.True(t, errors.Is(err, tinyhan.ErrRejected))
	assert.Equal(t, StateConnected, h.client.State())
}

// A reconnect after the sweep skips straight to Connected
func TestReconnectSkipsRegistration(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	h.client.Handle(MarshalDisconnect(&Disconnect{}))
	require.Equal(t, StateDisconnected, h.client.State())

	require.NoError(t, h.client.Connect())
	h.take()
	h.client.Handle(MarshalConnack(&Connack{ReturnCode: RCAccepted}))

	assert.Equal(t, StateConnected, h.client.State())
	assert.Empty(t, h.take(), "no registration traffic on reconnect")
}

// Inbound publications route to the matching subscription
func TestInboundPublish(t *testing.T) {
	h := newHarness(t, []Topic{
		PublishTopic("up"),
		SubscribeTopic("down", 0),
	})
	h.connectAccepted(t, map[int]uint16{0: 0x0201, 1: 0x0202})

	h.client.Handle(MarshalPublish(&Publish{
		Flags:   FlagTopicIDNorm,
		TopicID: 0x0202,
		MsgID:   9,
		Data:    []byte("set=1"),
	}))

	require.Len(t, h.pubs, 1)
	assert.Equal(t, 1, h.pubs[0].topicIndex)
	assert.Equal(t, "set=1", string(h.pubs[0].data))

	// Unknown topic id: dropped
	h.client.Handle(MarshalPublish(&Publish{TopicID: 0x0999, MsgID: 10}))
	assert.Len(t, h.pubs, 1)

	// A publish-direction topic id never matches
	h.client.Handle(MarshalPublish(&Publish{TopicID: 0x0201, MsgID: 11}))
	assert.Len(t, h.pubs, 1)
}

// DUP is set on the retransmitted PUBLISH but not the first copy
func TestPublishRetrySetsDup(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	_, err := h.client.Publish(0, 1, []byte("x"))
	require.NoError(t, err)

	sent := h.take()
	require.Len(t, sent, 1)
	var pub Publish
	require.NoError(t, UnmarshalPublish(sent[0], &pub))
	assert.Zero(t, pub.Flags&FlagDup, "first transmission must not carry DUP")

	h.now += TRetry
	h.client.Poll()

	sent = h.take()
	require.Len(t, sent, 1)
	require.NoError(t, UnmarshalPublish(sent[0], &pub))
	assert.NotZero(t, pub.Flags&FlagDup, "retransmission must carry DUP")
	assert.Equal(t, uint16(1), pub.MsgID, "retransmission keeps the msg id")
}

// Rejected PUBACK completes the publish with an error
func TestPubackRejected(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	msgID, err := h.client.Publish(0, 1, []byte("x"))
	require.NoError(t, err)
	h.take()

	h.client.Handle(MarshalPuback(&Puback{TopicID: 0x0007, MsgID: msgID, ReturnCode: RCCongestion}))

	assert.Equal(t, StateConnected, h.client.State())
	require.Len(t, h.pubacks, 1)
	assert.True(t, errors.Is(h.pubacks[0].err, tinyhan.ErrRejected))
}

// A PUBACK for the wrong msg id is dropped and the retry stays armed
func TestPubackIDMismatch(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	_, err := h.client.Publish(0, 1, []byte("x"))
	require.NoError(t, err)
	h.take()

	h.client.Handle(MarshalPuback(&Puback{TopicID: 0x0007, MsgID: 0x7777, ReturnCode: RCAccepted}))

	assert.Equal(t, StateBusy, h.client.State())
	assert.Empty(t, h.pubacks)
}

// QoS 0 publish is fire and forget
func TestPublishQoS0(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	msgID, err := h.client.Publish(0, 0, []byte("x"))
	require.NoError(t, err)
	assert.NotZero(t, msgID)
	assert.Equal(t, StateConnected, h.client.State())

	// No retry timer: time passing produces no retransmission
	h.now += TRetry * 2
	h.client.Poll()
	sent := h.take()
	require.Len(t, sent, 2) // the publish plus a keep-alive ping
	msgType, _, err := ParseHeader(sent[1])
	require.NoError(t, err)
	assert.Equal(t, MsgPingreq, msgType)
}

// Oversized publish fails synchronously with no state change
func TestPublishTooLarge(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})
	h.connectAccepted(t, map[int]uint16{0: 0x0007})

	_, err := h.client.Publish(0, 1, make([]byte, MaxPacket-PublishSize+1))
	assert.True(t, errors.Is(err, tinyhan.ErrBufferFull))
	assert.Equal(t, StateConnected, h.client.State())
	assert.Empty(t, h.take())
}

// Publish while not connected is rejected
func TestPublishWrongState(t *testing.T) {
	h := newHarness(t, []Topic{PublishTopic("a/b")})

	_, err := h.client.Publish(0, 1, []byte("x"))
	assert.True(t, errors.Is(err, tinyhan.ErrWrongState))
}

// Keep-alive pings flow while connected and idle
func TestKeepAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAccepted(t, nil)
	h.take()

	h.client.Poll()
	assert.Empty(t, h.take(), "no ping before the keep-alive period")

	h.now += KeepAlive
	h.client.Poll()
	sent := h.take()
	require.Len(t, sent, 1)
	msgType, _, err := ParseHeader(sent[0])
	require.NoError(t, err)
	assert.Equal(t, MsgPingreq, msgType)
}

// Disconnect with a sleep duration carries the two duration bytes
func TestDisconnectSleepy(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAccepted(t, nil)

	require.NoError(t, h.client.Disconnect(300))
	assert.Equal(t, StateDisconnecting, h.client.State())

	sent := h.take()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(4), sent[0][0])

	h.client.Handle(MarshalDisconnect(&Disconnect{}))
	assert.Equal(t, StateDisconnected, h.client.State())
}

// Malformed packets are dropped without a state change
func TestMalformedDropped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.Connect())
	h.take()

	h.client.Handle([]byte{0xFF})
	h.client.Handle([]byte{40, 0x05, 0x00}) // length byte disagrees with size
	assert.Equal(t, StateConnecting, h.client.State())
}
