// Package pipe provides an in-process broadcast-domain PHY for tests and
// multi-node simulations: every endpoint attached to a Hub hears every
// other endpoint's transmissions, synchronously and in order.
package pipe

import (
	"sync"
	"time"

	tinyhan "github.com/tinyhan/go-tinyhan"
)

// DefaultMTU matches the MAC maximum payload plus header.
const DefaultMTU = 134

// DropFunc lets a test inject loss: return true to discard the frame on
// its way from one endpoint to another.
type DropFunc func(from, to *Endpoint, frame []byte) bool

// Hub is one shared radio channel.
type Hub struct {
	mu        sync.Mutex
	mtu       int
	endpoints []*Endpoint
	drop      DropFunc
}

// NewHub creates a hub with the given MTU (0 for the default).
func NewHub(mtu int) *Hub {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Hub{mtu: mtu}
}

// SetDrop installs a loss-injection hook.
func (h *Hub) SetDrop(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Endpoint attaches a new station to the hub.
func (h *Hub) Endpoint() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &Endpoint{hub: h, rssi: tinyhan.RSSINone}
	h.endpoints = append(h.endpoints, ep)
	return ep
}

// broadcast delivers a frame from one endpoint to all listening others.
// Delivery is synchronous: receive callbacks run on the sender's call
// stack, which matches the single-threaded cooperative model as long as
// all stations on a hub share one goroutine.
func (h *Hub) broadcast(from *Endpoint, frame []byte) {
	h.mu.Lock()
	targets := append([]*Endpoint(nil), h.endpoints...)
	drop := h.drop
	h.mu.Unlock()

	for _, ep := range targets {
		if ep == from || !ep.listening || ep.recv == nil {
			continue
		}
		if drop != nil && drop(from, ep, frame) {
			continue
		}
		ep.recv(frame, ep.rssi)
	}
}

// Endpoint is one station's PHY.
type Endpoint struct {
	hub       *Hub
	recv      tinyhan.RecvFunc
	listening bool
	rssi      int8
}

// SetRSSI fixes the signal strength this endpoint reports for received
// frames.
func (e *Endpoint) SetRSSI(rssi int8) {
	e.rssi = rssi
}

// Init implements the Phy interface
func (e *Endpoint) Init() error { return nil }

// Close implements the Phy interface
func (e *Endpoint) Close() error {
	e.listening = false
	return nil
}

// Listen implements the Phy interface
func (e *Endpoint) Listen() error {
	e.listening = true
	return nil
}

// Standby implements the Phy interface
func (e *Endpoint) Standby() error {
	e.listening = false
	return nil
}

// DelayedStandby implements the Phy interface. The simulation keeps the
// receiver on so deferred-delivery exchanges complete synchronously.
func (e *Endpoint) DelayedStandby(time.Duration) error {
	e.listening = true
	return nil
}

// Suspend implements the Phy interface
func (e *Endpoint) Suspend() error {
	e.listening = false
	return nil
}

// Resume implements the Phy interface
func (e *Endpoint) Resume() error { return nil }

// Send implements the Phy interface
func (e *Endpoint) Send(frags [][]byte, flags tinyhan.SendFlags) error {
	var frame []byte
	for _, f := range frags {
		frame = append(frame, f...)
	}
	if len(frame) > e.hub.mtu {
		return tinyhan.NewError("PHY", tinyhan.ErrBufferFull, "frame exceeds mtu")
	}
	e.hub.broadcast(e, frame)
	return nil
}

// RegisterRecv implements the Phy interface
func (e *Endpoint) RegisterRecv(fn tinyhan.RecvFunc) {
	e.recv = fn
}

// EventHandler implements the Phy interface; delivery is synchronous so
// there is never anything queued.
func (e *Endpoint) EventHandler() {}

// MTU implements the Phy interface
func (e *Endpoint) MTU() int { return e.hub.mtu }

// Fd implements the Phy interface
func (e *Endpoint) Fd() int { return -1 }
