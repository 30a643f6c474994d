package tinyhan

import (
	"sync"
	"time"
)

// MockPhy provides a scripted in-memory implementation of Phy for testing.
// Transmitted datagrams are recorded for inspection and received datagrams
// are injected with Inject. It tracks the commanded radio state so tests
// can assert on the sleepy-node receive discipline.
type MockPhy struct {
	mu sync.Mutex

	mtu       int
	recv      RecvFunc
	sent      [][]byte
	sentFlags []SendFlags
	listening bool
	suspended bool
	sendErr   error

	// Method call tracking
	listenCalls  int
	standbyCalls int
	delayedCalls int
	lastDelay    time.Duration
}

// NewMockPhy creates a mock PHY with the given MTU.
func NewMockPhy(mtu int) *MockPhy {
	return &MockPhy{mtu: mtu}
}

// FailSends makes subsequent Send calls return err (nil to clear).
func (m *MockPhy) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Init implements the Phy interface
func (m *MockPhy) Init() error { return nil }

// Close implements the Phy interface
func (m *MockPhy) Close() error { return nil }

// Listen implements the Phy interface
func (m *MockPhy) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = true
	m.listenCalls++
	return nil
}

// Standby implements the Phy interface
func (m *MockPhy) Standby() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = false
	m.standbyCalls++
	return nil
}

// DelayedStandby implements the Phy interface. The mock stays in receive
// mode; tests observe the requested window through LastDelay.
func (m *MockPhy) DelayedStandby(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = true
	m.delayedCalls++
	m.lastDelay = d
	return nil
}

// Suspend implements the Phy interface
func (m *MockPhy) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
	return nil
}

// Resume implements the Phy interface
func (m *MockPhy) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
	return nil
}

// Send implements the Phy interface, concatenating the fragments into one
// recorded datagram.
func (m *MockPhy) Send(frags [][]byte, flags SendFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}

	var frame []byte
	for _, f := range frags {
		frame = append(frame, f...)
	}
	m.sent = append(m.sent, frame)
	m.sentFlags = append(m.sentFlags, flags)
	return nil
}

// RegisterRecv implements the Phy interface
func (m *MockPhy) RegisterRecv(fn RecvFunc) {
	m.recv = fn
}

// EventHandler implements the Phy interface; the mock delivers injected
// frames synchronously, so there is nothing to drain.
func (m *MockPhy) EventHandler() {}

// MTU implements the Phy interface
func (m *MockPhy) MTU() int { return m.mtu }

// Fd implements the Phy interface
func (m *MockPhy) Fd() int { return -1 }

// Inject delivers a frame to the registered receive callback, as if it had
// arrived over the air.
func (m *MockPhy) Inject(frame []byte, rssi int8) {
	if m.recv != nil {
		m.recv(frame, rssi)
	}
}

// Sent returns copies of all transmitted datagrams so far.
func (m *MockPhy) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, f := range m.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// SentFlags returns the SendFlags used for each transmitted datagram.
func (m *MockPhy) SentFlags() []SendFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendFlags(nil), m.sentFlags...)
}

// TakeSent returns all transmitted datagrams and clears the record.
func (m *MockPhy) TakeSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	m.sentFlags = nil
	return out
}

// Listening reports whether the receiver is currently commanded on.
func (m *MockPhy) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// LastDelay returns the window requested by the most recent DelayedStandby.
func (m *MockPhy) LastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDelay
}

// DelayedStandbyCalls returns how many times DelayedStandby was invoked.
func (m *MockPhy) DelayedStandbyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delayedCalls
}
