package link

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/1ureka/dcom/internal/protocol"
)

// Datagram is one send observed by a Hub.
type Datagram struct {
	Pipe  protocol.PipeID
	SrcIA uint32
	DstIA uint32
	Data  []byte
}

// HubOptions injects link impairments.
type HubOptions struct {
	// Latency delays every delivery by a random duration in [0, Latency).
	Latency time.Duration
	// Drop, when set, is asked for every datagram; returning true loses it.
	Drop func(d Datagram) bool
}

// Hub is an in-memory datagram network addressed by IA. Deliveries are
// asynchronous, like on a real link.
type Hub struct {
	opts HubOptions

	mu        sync.RWMutex
	endpoints map[uint32]*Endpoint
	log       []Datagram
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts:      opts,
		endpoints: make(map[uint32]*Endpoint),
		done:      make(chan struct{}),
	}
}

// Attach adds an endpoint for ia.
func (h *Hub) Attach(ia uint32) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[ia]; ok {
		return nil, fmt.Errorf("link: ia %08x already attached", ia)
	}
	ep := &Endpoint{ia: ia, hub: h}
	h.endpoints[ia] = ep
	return ep, nil
}

// Detach removes ia. Later sends to it fail with ErrUnreachable.
func (h *Hub) Detach(ia uint32) {
	h.mu.Lock()
	delete(h.endpoints, ia)
	h.mu.Unlock()
}

// Sent returns every datagram accepted so far, in send order.
func (h *Hub) Sent() []Datagram {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Datagram(nil), h.log...)
}

// SentFrom returns the datagrams sent by ia.
func (h *Hub) SentFrom(ia uint32) []Datagram {
	var out []Datagram
	for _, d := range h.Sent() {
		if d.SrcIA == ia {
			out = append(out, d)
		}
	}
	return out
}

// Close stops all pending deliveries. Safe to call multiple times.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) send(d Datagram) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	h.mu.Lock()
	dst, ok := h.endpoints[d.DstIA]
	if ok {
		h.log = append(h.log, d)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %08x", ErrUnreachable, d.DstIA)
	}
	if h.opts.Drop != nil && h.opts.Drop(d) {
		return nil
	}

	go func() {
		if h.opts.Latency > 0 {
			delay := time.Duration(rand.Int63n(int64(h.opts.Latency)))
			select {
			case <-time.After(delay):
			case <-h.done:
				return
			}
		}
		dst.deliver(d)
	}()
	return nil
}

// Endpoint is one attachment point on a Hub. It implements Driver.
type Endpoint struct {
	ia  uint32
	hub *Hub

	mu   sync.RWMutex
	recv Receiver
}

// IA returns the endpoint's address.
func (e *Endpoint) IA() uint32 { return e.ia }

// SetReceiver registers where inbound datagrams go. It may be called before
// or after peers start sending; datagrams arriving with no receiver are lost.
func (e *Endpoint) SetReceiver(r Receiver) {
	e.mu.Lock()
	e.recv = r
	e.mu.Unlock()
}

// SendBytes delivers a copy of b to dstIA.
func (e *Endpoint) SendBytes(pipe protocol.PipeID, dstIA uint32, b []byte) error {
	return e.hub.send(Datagram{
		Pipe:  pipe,
		SrcIA: e.ia,
		DstIA: dstIA,
		Data:  append([]byte(nil), b...),
	})
}

// Close detaches the endpoint.
func (e *Endpoint) Close() error {
	e.hub.Detach(e.ia)
	return nil
}

func (e *Endpoint) deliver(d Datagram) {
	e.mu.RLock()
	r := e.recv
	e.mu.RUnlock()

	if r != nil {
		r.Deliver(d.Pipe, d.SrcIA, d.Data)
	}
}
