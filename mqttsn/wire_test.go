package mqttsn

import (
	"bytes"
	"testing"
)

func TestConnectLayout(t *testing.T) {
	pkt := MarshalConnect(&Connect{
		Flags:      0,
		ProtocolID: ProtocolID,
		Duration:   KeepAlive,
		ClientID:   []byte("sensor01"),
	})

	want := []byte{14, 0x04, 0x00, 0x01, 0x00, 0x0A, 's', 'e', 'n', 's', 'o', 'r', '0', '1'}
	if !bytes.Equal(pkt, want) {
		t.Errorf("CONNECT = % 02X, want % 02X", pkt, want)
	}

	var c Connect
	if err := UnmarshalConnect(pkt, &c); err != nil {
		t.Fatalf("UnmarshalConnect failed: %v", err)
	}
	if c.Duration != KeepAlive || string(c.ClientID) != "sensor01" {
		t.Errorf("round trip = %+v", c)
	}
}

func TestPublishLayout(t *testing.T) {
	pkt := MarshalPublish(&Publish{
		Flags:   FlagQoS1 | FlagTopicIDNorm,
		TopicID: 0x0007,
		MsgID:   1,
		Data:    []byte("x"),
	})

	// length, type, flags, topic id (BE), msg id (BE), data
	want := []byte{8, 0x0C, 0x20, 0x00, 0x07, 0x00, 0x01, 'x'}
	if !bytes.Equal(pkt, want) {
		t.Errorf("PUBLISH = % 02X, want % 02X", pkt, want)
	}

	var p Publish
	if err := UnmarshalPublish(pkt, &p); err != nil {
		t.Fatalf("UnmarshalPublish failed: %v", err)
	}
	if p.TopicID != 0x0007 || p.MsgID != 1 || string(p.Data) != "x" {
		t.Errorf("round trip = %+v", p)
	}
}

func TestRoundTrips(t *testing.T) {
	regack := &Regack{TopicID: 0x1234, MsgID: 7, ReturnCode: RCCongestion}
	var gotRegack Regack
	if err := UnmarshalRegack(MarshalRegack(regack), &gotRegack); err != nil {
		t.Fatalf("regack: %v", err)
	}
	if gotRegack != *regack {
		t.Errorf("regack = %+v, want %+v", gotRegack, *regack)
	}

	reg := &Register{MsgID: 3, TopicName: []byte("a/b")}
	var gotReg Register
	if err := UnmarshalRegister(MarshalRegister(reg), &gotReg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if gotReg.MsgID != 3 || string(gotReg.TopicName) != "a/b" {
		t.Errorf("register = %+v", gotReg)
	}

	sub := &Subscribe{Flags: FlagQoS1, MsgID: 2, TopicName: []byte("control")}
	var gotSub Subscribe
	if err := UnmarshalSubscribe(MarshalSubscribe(sub), &gotSub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if gotSub.Flags != FlagQoS1 || gotSub.MsgID != 2 || string(gotSub.TopicName) != "control" {
		t.Errorf("subscribe = %+v", gotSub)
	}

	suback := &Suback{Flags: FlagQoS1, TopicID: 9, MsgID: 2, ReturnCode: RCAccepted}
	var gotSuback Suback
	if err := UnmarshalSuback(MarshalSuback(suback), &gotSuback); err != nil {
		t.Fatalf("suback: %v", err)
	}
	if gotSuback != *suback {
		t.Errorf("suback = %+v, want %+v", gotSuback, *suback)
	}

	puback := &Puback{TopicID: 9, MsgID: 4, ReturnCode: RCInvalidTopic}
	var gotPuback Puback
	if err := UnmarshalPuback(MarshalPuback(puback), &gotPuback); err != nil {
		t.Fatalf("puback: %v", err)
	}
	if gotPuback != *puback {
		t.Errorf("puback = %+v, want %+v", gotPuback, *puback)
	}
}

func TestDisconnectDuration(t *testing.T) {
	short := MarshalDisconnect(&Disconnect{})
	if len(short) != 2 || short[0] != 2 {
		t.Errorf("plain DISCONNECT = % 02X", short)
	}

	sleepy := MarshalDisconnect(&Disconnect{Duration: 300})
	if len(sleepy) != 4 || sleepy[0] != 4 {
		t.Errorf("sleeping DISCONNECT = % 02X", sleepy)
	}
	var d Disconnect
	if err := UnmarshalDisconnect(sleepy, &d); err != nil || d.Duration != 300 {
		t.Errorf("duration = %d (%v), want 300", d.Duration, err)
	}
}

func TestParseHeader(t *testing.T) {
	if _, _, err := ParseHeader([]byte{5}); err != ErrShortPacket {
		t.Errorf("1-byte buffer: err = %v", err)
	}

	// Length byte larger than the buffer
	if _, _, err := ParseHeader([]byte{10, 0x0C, 0}); err != ErrShortPacket {
		t.Errorf("overlong length: err = %v", err)
	}

	// Length byte below the header size
	if _, _, err := ParseHeader([]byte{1, 0x0C}); err != ErrShortPacket {
		t.Errorf("undersized length: err = %v", err)
	}

	// Trailing bytes beyond the advertised length are ignored
	msgType, body, err := ParseHeader([]byte{3, 0x05, 0x00, 0xEE, 0xEE})
	if err != nil || msgType != MsgConnack || len(body) != 3 {
		t.Errorf("ParseHeader = %v %d %v", msgType, len(body), err)
	}
}
