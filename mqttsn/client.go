package mqttsn

import (
	"time"

	tinyhan "github.com/tinyhan/go-tinyhan"
	"github.com/tinyhan/go-tinyhan/internal/logging"
)

// Retry count, and retry and keep-alive intervals in seconds.
const (
	NRetry    = 3
	TRetry    = 5
	KeepAlive = 10
)

// State is the client state machine position.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateBusy
	StateDisconnecting
)

var stateNames = [...]string{
	"DISCONNECTED",
	"CONNECTING",
	"REGISTERING",
	"CONNECTED",
	"BUSY",
	"DISCONNECTING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Topic registry flags: bit 7 selects subscribe over publish, the low two
// bits carry the QoS.
const (
	RegPublish   uint8 = 0 << 7
	RegSubscribe uint8 = 1 << 7
	RegQoSMask   uint8 = 3 << 0
)

// Topic is one entry of the static topic table supplied at creation.
type Topic struct {
	Name  string
	Flags uint8
}

// PublishTopic declares a topic this client publishes to.
func PublishTopic(name string) Topic {
	return Topic{Name: name, Flags: RegPublish}
}

// SubscribeTopic declares a topic this client subscribes to.
func SubscribeTopic(name string, qos uint8) Topic {
	return Topic{Name: name, Flags: RegSubscribe | (qos & RegQoSMask)}
}

// PublishCallback delivers an inbound publication for a subscribed topic.
type PublishCallback func(topicIndex int, data []byte)

// PubackCallback reports the outcome of a QoS 1 publish: nil, or an
// *tinyhan.Error carrying ErrRejected.
type PubackCallback func(msgID uint16, err error)

// Config assembles a Client.
type Config struct {
	// ClientID is sent on connect; at most MaxClientID bytes.
	ClientID string

	// Topics is the static registry. Registration visits it in order.
	Topics []Topic

	// Send transmits one packet toward the gateway.
	Send func(pkt []byte) error

	// OnPublish receives inbound publications (optional).
	OnPublish PublishCallback

	// OnPuback observes QoS 1 publish completion (optional).
	OnPuback PubackCallback

	// Now returns a monotonic seconds counter; defaults to wall time
	// since client creation.
	Now func() uint32

	Logger   *logging.Logger
	Observer tinyhan.Observer
}

// Client is a single-gateway MQTT-SN client with at most one request in
// flight. Handle must be called for every inbound packet and Poll at
// least once a second; Connect, Disconnect, Publish and the two handlers
// must all run on one logical thread.
type Client struct {
	log *logging.Logger
	obs tinyhan.Observer

	clientID []byte
	topics   []Topic
	sendFn   func(pkt []byte) error
	onPub    PublishCallback
	onPuback PubackCallback
	now      func() uint32

	state State
	count int // cursor into the topic table while registering

	message [MaxPacket]byte // last outbound message, kept for retransmit
	msgLen  int

	nRetries int
	tRetry   uint32
	nextPing uint32

	nextID       uint16 // msg id allocator; pre-incremented, 0 means failure
	topicIDs     [MaxClientTopics]uint16
	isRegistered bool
}

// NewClient validates the configuration and creates a disconnected
// client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Send == nil {
		return nil, tinyhan.NewError("INIT", tinyhan.ErrWrongState, "no send function")
	}
	if len(cfg.ClientID) > MaxClientID {
		return nil, tinyhan.NewError("INIT", tinyhan.ErrBufferFull, "client id too long")
	}
	if len(cfg.Topics) > MaxClientTopics {
		return nil, tinyhan.NewError("INIT", tinyhan.ErrBufferFull, "too many topics")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = tinyhan.NopObserver()
	}
	now := cfg.Now
	if now == nil {
		start := time.Now()
		now = func() uint32 {
			return uint32(time.Since(start) / time.Second)
		}
	}

	return &Client{
		log:      log,
		obs:      obs,
		clientID: []byte(cfg.ClientID),
		topics:   cfg.Topics,
		sendFn:   cfg.Send,
		onPub:    cfg.OnPublish,
		onPuback: cfg.OnPuback,
		now:      now,
		state:    StateDisconnected,
	}, nil
}

// State returns the current state machine position.
func (c *Client) State() State { return c.state }

// TopicID returns the gateway-assigned id for a topic table index, valid
// only once the registration sweep accepted that topic.
func (c *Client) TopicID(topicIndex int) (uint16, bool) {
	if topicIndex < 0 || topicIndex >= len(c.topics) {
		return 0, false
	}
	id := c.topicIDs[topicIndex]
	return id, id != 0
}

// toState transitions the state machine, aborting any pending retry.
func (c *Client) toState(s State) {
	c.state = s
	c.nRetries = 0
	c.tRetry = 0
	c.log.Debugf("--> %s", s)
}

// send caches and transmits a packet. With retry set, the retry timer is
// armed so Poll resends the cached bytes until answered.
func (c *Client) send(pkt []byte, retry bool) error {
	copy(c.message[:], pkt)
	c.msgLen = len(pkt)
	if retry {
		c.nRetries = NRetry
		c.tRetry = c.now() + TRetry
	}
	c.nextPing = c.now() + KeepAlive
	return c.sendFn(c.message[:c.msgLen])
}

func (c *Client) cachedType() MsgType {
	if c.msgLen < HeaderSize {
		return 0xFF
	}
	return MsgType(c.message[1])
}

// Connect opens the session. Only valid while disconnected.
func (c *Client) Connect() error {
	if c.state != StateDisconnected {
		c.log.Errorf("already connected")
		return tinyhan.NewError("CONNECT", tinyhan.ErrWrongState, "not disconnected")
	}

	// Don't clean the session, otherwise updates that occurred while we
	// were asleep are lost
	pkt := MarshalConnect(&Connect{
		Flags:      0,
		ProtocolID: ProtocolID,
		Duration:   KeepAlive,
		ClientID:   c.clientID,
	})
	c.log.Debugf("CONNECT as %q", c.clientID)
	c.toState(StateConnecting)
	return c.send(pkt, true)
}

// Disconnect closes the session. A non-zero duration announces a sleep
// period to the gateway.
func (c *Client) Disconnect(duration uint16) error {
	if c.state == StateDisconnected {
		c.log.Infof("already disconnected")
		return tinyhan.NewError("DISCONNECT", tinyhan.ErrWrongState, "already disconnected")
	}

	c.toState(StateDisconnecting)
	pkt := MarshalDisconnect(&Disconnect{Duration: duration})
	return c.send(pkt, true)
}

// Publish sends application data on a publish topic. QoS 0 is fire and
// forget; QoS 1 occupies the client until the PUBACK arrives. Returns the
// assigned message id, or 0 with an error.
func (c *Client) Publish(topicIndex int, qos int, data []byte) (uint16, error) {
	if c.state != StateConnected {
		c.log.Errorf("not connected or busy")
		return 0, tinyhan.NewError("PUBLISH", tinyhan.ErrWrongState, "not connected")
	}
	if topicIndex < 0 || topicIndex >= len(c.topics) {
		return 0, tinyhan.NewError("PUBLISH", tinyhan.ErrWrongState, "bad topic index")
	}
	if c.topicIDs[topicIndex] == 0 {
		return 0, tinyhan.NewError("PUBLISH", tinyhan.ErrRejected, "topic not registered")
	}
	if PublishSize+len(data) > MaxPacket {
		c.log.Errorf("packet too large")
		return 0, tinyhan.NewError("PUBLISH", tinyhan.ErrBufferFull, "packet too large")
	}

	c.log.Debugf("PUBLISH: 0x%04X qos=%d (%d bytes)", c.topicIDs[topicIndex], qos, len(data))
	if qos > 0 {
		// Only when a PUBACK is expected, otherwise fire and forget
		c.toState(StateBusy)
	}

	c.nextID++ // pre-increment so 0 always means failure
	pkt := MarshalPublish(&Publish{
		Flags:   FlagTopicIDNorm | qosFlag(qos),
		TopicID: c.topicIDs[topicIndex],
		MsgID:   c.nextID,
		Data:    data,
	})
	if err := c.send(pkt, qos > 0); err != nil {
		return 0, err
	}

	// Set DUP in the cached copy in case we retry
	c.message[2] |= FlagDup

	c.obs.ObservePublish(qos)
	return c.nextID, nil
}

func qosFlag(qos int) uint8 {
	if qos > 0 {
		return FlagQoS1
	}
	return FlagQoS0
}

// Poll performs retry and keep-alive housekeeping. Call at least once a
// second.
func (c *Client) Poll() {
	c.process(nil)
}

// Handle performs the same retry and keep-alive housekeeping as Poll, then
// processes one inbound packet.
func (c *Client) Handle(buf []byte) {
	c.process(buf)
}

func (c *Client) process(buf []byte) {
	now := c.now()

	// Retry the in-flight message, or give up
	if c.tRetry != 0 && now >= c.tRetry {
		if c.nRetries > 0 {
			c.nRetries--
			c.tRetry = now + TRetry
			c.nextPing = now + KeepAlive
			c.log.Infof("retrying send (0x%02X), %d remaining", uint8(c.cachedType()), c.nRetries)
			c.obs.ObserveRetry()
			if err := c.sendFn(c.message[:c.msgLen]); err != nil {
				c.log.Errorf("send failed: %v", err)
			}
		} else {
			c.log.Errorf("giving up")
			c.toState(StateDisconnected)
		}
	}

	// The client must transmit something at least every keep-alive period
	// while connected
	if c.state == StateConnected && now >= c.nextPing {
		c.log.Debugf("sending PINGREQ")
		c.obs.ObserveKeepAlive()
		if err := c.send(MarshalPingreq(&Pingreq{}), false); err != nil {
			c.log.Errorf("send failed: %v", err)
		}
	}

	if len(buf) > 0 {
		c.handlePacket(buf)
	}

	// Advance the registration sweep
	if c.state == StateRegistering {
		c.registerNext()
	}
}

func (c *Client) handlePacket(buf []byte) {
	msgType, body, err := ParseHeader(buf)
	if err != nil {
		c.log.Warnf("dropping malformed packet (%d bytes)", len(buf))
		c.obs.ObserveFrameDropped()
		return
	}

	c.log.Debugf("%s", msgType)

	switch msgType {
	case MsgConnack:
		c.handleConnack(body)
	case MsgRegister:
		// Gateway-initiated registration is used after wake-from-sleep
		// and for wildcard subscriptions; neither is supported here
		c.log.Warnf("REGISTER not supported")
	case MsgRegack:
		c.handleRegack(body)
	case MsgSuback:
		c.handleSuback(body)
	case MsgPublish:
		c.handlePublish(body)
	case MsgPuback:
		c.handlePuback(body)
	case MsgPingresp, MsgAdvertise, MsgGwInfo, MsgUnsuback:
		// Nothing to do
	case MsgDisconnect:
		c.toState(StateDisconnected)
	default:
		c.log.Warnf("unexpected message type 0x%02X", uint8(msgType))
	}
}

func (c *Client) handleConnack(body []byte) {
	var connack Connack
	if err := UnmarshalConnack(body, &connack); err != nil {
		c.log.Warnf("connack: invalid size")
		return
	}
	if c.state != StateConnecting || c.cachedType() != MsgConnect {
		c.log.Warnf("connack in invalid state")
		return
	}

	if connack.ReturnCode != RCAccepted {
		c.log.Errorf("connack return code: %s", connack.ReturnCode)
		c.toState(StateDisconnected)
		return
	}

	c.count = 0
	if c.isRegistered {
		c.toState(StateConnected)
	} else {
		c.toState(StateRegistering)
	}
}

// registerNext issues the REGISTER or SUBSCRIBE for the topic under the
// cursor, or finishes the sweep.
func (c *Client) registerNext() {
	if c.count >= len(c.topics) {
		c.count = 0
		c.isRegistered = true
		c.toState(StateConnected)
		return
	}

	topic := c.topics[c.count]
	msgID := uint16(c.count)
	c.count++

	if topic.Flags&RegSubscribe != 0 {
		c.log.Debugf("SUBSCRIBE: %s", topic.Name)
		c.toState(StateBusy)
		pkt := MarshalSubscribe(&Subscribe{
			Flags:     FlagTopicIDNorm | qosFlag(int(topic.Flags&RegQoSMask)),
			MsgID:     msgID,
			TopicName: []byte(topic.Name),
		})
		if err := c.send(pkt, true); err != nil {
			c.log.Errorf("send failed: %v", err)
		}
		// Set DUP in the cached copy in case we retry
		c.message[2] |= FlagDup
		return
	}

	c.log.Debugf("REGISTER: %s", topic.Name)
	c.toState(StateBusy)
	pkt := MarshalRegister(&Register{
		TopicID:   0,
		MsgID:     msgID,
		TopicName: []byte(topic.Name),
	})
	if err := c.send(pkt, true); err != nil {
		c.log.Errorf("send failed: %v", err)
	}
}

func (c *Client) handleRegack(body []byte) {
	var regack Regack
	if err := UnmarshalRegack(body, &regack); err != nil {
		c.log.Warnf("regack: invalid size")
		return
	}
	if c.state != StateBusy || c.cachedType() != MsgRegister {
		c.log.Warnf("regack in invalid state")
		return
	}

	var reg Register
	if err := UnmarshalRegister(c.message[:c.msgLen], &reg); err != nil || regack.MsgID != reg.MsgID {
		c.log.Warnf("regack id mismatch")
		return
	}

	if regack.ReturnCode == RCAccepted {
		c.log.Debugf("registered topic id 0x%04X for PUBLISH %s (%d)",
			regack.TopicID, reg.TopicName, regack.MsgID)
		if int(regack.MsgID) < len(c.topicIDs) {
			c.topicIDs[regack.MsgID] = regack.TopicID
		}
	} else {
		// Not retried: the topic id stays invalid and the sweep proceeds
		c.log.Errorf("registration not accepted: %s", regack.ReturnCode)
	}

	// Register next topic
	c.toState(StateRegistering)
}

func (c *Client) handleSuback(body []byte) {
	var suback Suback
	if err := UnmarshalSuback(body, &suback); err != nil {
		c.log.Warnf("suback: invalid size")
		return
	}
	if c.state != StateBusy || c.cachedType() != MsgSubscribe {
		c.log.Warnf("suback in invalid state")
		return
	}

	var sub Subscribe
	if err := UnmarshalSubscribe(c.message[:c.msgLen], &sub); err != nil || suback.MsgID != sub.MsgID {
		c.log.Warnf("suback id mismatch")
		return
	}

	if suback.ReturnCode == RCAccepted {
		// The granted QoS may be lower than requested; the topic id is
		// what matters for matching inbound publications
		c.log.Debugf("registered topic id 0x%04X for SUBSCRIBE %s (%d)",
			suback.TopicID, sub.TopicName, suback.MsgID)
		if int(suback.MsgID) < len(c.topicIDs) {
			c.topicIDs[suback.MsgID] = suback.TopicID
		}
	} else {
		c.log.Errorf("subscription not accepted: %s", suback.ReturnCode)
	}

	// Register next topic
	c.toState(StateRegistering)
}

func (c *Client) handlePublish(body []byte) {
	var pub Publish
	if err := UnmarshalPublish(body, &pub); err != nil {
		c.log.Warnf("publish: invalid size")
		return
	}

	// Find the subscription this topic id belongs to
	idx := -1
	for i := range c.topics {
		if c.topicIDs[i] == pub.TopicID && c.topics[i].Flags&RegSubscribe != 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.log.Warnf("publish: unknown topic id 0x%04X", pub.TopicID)
		return
	}

	c.log.Debugf("topic %s: %d bytes", c.topics[idx].Name, len(pub.Data))
	if c.onPub != nil {
		c.onPub(idx, pub.Data)
	}
}

func (c *Client) handlePuback(body []byte) {
	var puback Puback
	if err := UnmarshalPuback(body, &puback); err != nil {
		c.log.Warnf("puback: invalid size")
		return
	}
	if c.state != StateBusy || c.cachedType() != MsgPublish {
		c.log.Warnf("puback in invalid state")
		return
	}

	var pub Publish
	if err := UnmarshalPublish(c.message[:c.msgLen], &pub); err != nil || puback.MsgID != pub.MsgID {
		c.log.Warnf("puback id mismatch")
		return
	}

	var result error
	if puback.ReturnCode != RCAccepted {
		c.log.Errorf("publish not accepted: %s", puback.ReturnCode)
		result = tinyhan.NewError("PUBLISH", tinyhan.ErrRejected, puback.ReturnCode.String())
	}

	if c.onPuback != nil {
		c.onPuback(puback.MsgID, result)
	}

	c.toState(StateConnected)
}
