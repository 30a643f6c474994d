package tinyhan

import (
	"sync/atomic"
	"time"
)

// Observer is the hook through which the MAC and MQTT-SN cores report
// protocol events. Implementations must be cheap and non-blocking: methods
// are called inline from the single-threaded cores.
type Observer interface {
	ObserveFrameIn(bytes int)
	ObserveFrameOut(bytes int)
	ObserveFrameDropped()
	ObserveRetry()
	ObserveRegistration()
	ObserveDeregistration()
	ObserveDeferred()
	ObserveSendFailure()
	ObservePublish(qos int)
	ObserveKeepAlive()
}

// Metrics tracks operational statistics for a tinyhan stack. It implements
// Observer with atomic counters, so a single instance may be shared by a
// MAC core and an MQTT-SN client.
type Metrics struct {
	// MAC frame counters
	FramesIn      atomic.Uint64 // Frames accepted from the PHY
	FramesOut     atomic.Uint64 // Frames handed to the PHY
	FramesDropped atomic.Uint64 // Frames discarded (filtering, malformed)
	BytesIn       atomic.Uint64 // Bytes received
	BytesOut      atomic.Uint64 // Bytes transmitted

	// Delivery counters
	Retries       atomic.Uint64 // Ack-timeout retransmissions
	SendFailures  atomic.Uint64 // Sends that failed asynchronously
	DeferredSends atomic.Uint64 // Packets parked for sleepy peers

	// Registry counters
	Registrations   atomic.Uint64 // Successful peer registrations
	Deregistrations atomic.Uint64 // Peers removed (any reason)

	// MQTT-SN counters
	PublishesQoS0 atomic.Uint64 // Fire-and-forget publishes
	PublishesQoS1 atomic.Uint64 // Acknowledged publishes
	KeepAlives    atomic.Uint64 // PINGREQ frames sent

	// Lifecycle
	StartTime atomic.Int64 // Stack start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Observer implementation

func (m *Metrics) ObserveFrameIn(bytes int) {
	m.FramesIn.Add(1)
	m.BytesIn.Add(uint64(bytes))
}

func (m *Metrics) ObserveFrameOut(bytes int) {
	m.FramesOut.Add(1)
	m.BytesOut.Add(uint64(bytes))
}

func (m *Metrics) ObserveFrameDropped() {
	m.FramesDropped.Add(1)
}

func (m *Metrics) ObserveRetry() {
	m.Retries.Add(1)
}

func (m *Metrics) ObserveRegistration() {
	m.Registrations.Add(1)
}

func (m *Metrics) ObserveDeregistration() {
	m.Deregistrations.Add(1)
}

func (m *Metrics) ObserveDeferred() {
	m.DeferredSends.Add(1)
}

func (m *Metrics) ObserveSendFailure() {
	m.SendFailures.Add(1)
}

func (m *Metrics) ObservePublish(qos int) {
	if qos > 0 {
		m.PublishesQoS1.Add(1)
	} else {
		m.PublishesQoS0.Add(1)
	}
}

func (m *Metrics) ObserveKeepAlive() {
	m.KeepAlives.Add(1)
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
	BytesIn       uint64
	BytesOut      uint64

	Retries       uint64
	SendFailures  uint64
	DeferredSends uint64

	Registrations   uint64
	Deregistrations uint64

	PublishesQoS0 uint64
	PublishesQoS1 uint64
	KeepAlives    uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FramesIn:        m.FramesIn.Load(),
		FramesOut:       m.FramesOut.Load(),
		FramesDropped:   m.FramesDropped.Load(),
		BytesIn:         m.BytesIn.Load(),
		BytesOut:        m.BytesOut.Load(),
		Retries:         m.Retries.Load(),
		SendFailures:    m.SendFailures.Load(),
		DeferredSends:   m.DeferredSends.Load(),
		Registrations:   m.Registrations.Load(),
		Deregistrations: m.Deregistrations.Load(),
		PublishesQoS0:   m.PublishesQoS0.Load(),
		PublishesQoS1:   m.PublishesQoS1.Load(),
		KeepAlives:      m.KeepAlives.Load(),
	}

	if start := m.StartTime.Load(); start > 0 {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	return snap
}

// nopObserver is used by the cores when no observer is configured
type nopObserver struct{}

func (nopObserver) ObserveFrameIn(int)     {}
func (nopObserver) ObserveFrameOut(int)    {}
func (nopObserver) ObserveFrameDropped()   {}
func (nopObserver) ObserveRetry()          {}
func (nopObserver) ObserveRegistration()   {}
func (nopObserver) ObserveDeregistration() {}
func (nopObserver) ObserveDeferred()       {}
func (nopObserver) ObserveSendFailure()    {}
func (nopObserver) ObservePublish(int)     {}
func (nopObserver) ObserveKeepAlive()      {}

// NopObserver returns an Observer that discards everything.
func NopObserver() Observer {
	return nopObserver{}
}
