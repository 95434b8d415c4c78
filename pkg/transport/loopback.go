package transport

import (
	"context"
	"sync"
)

const hubQueueSize = 1024

// Hub is an in-process mesh. Every payload published by any endpoint is delivered to every
// subscriber of every endpoint, the publisher included, in publish order.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Loopback]struct{}
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewHub() *Hub {
	h := &Hub{
		endpoints: make(map[*Loopback]struct{}),
		queue:     make(chan []byte, hubQueueSize),
		done:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case payload := <-h.queue:
			h.mu.RLock()
			targets := make([]*Loopback, 0, len(h.endpoints))
			for ep := range h.endpoints {
				targets = append(targets, ep)
			}
			h.mu.RUnlock()
			for _, ep := range targets {
				ep.reg.deliver(payload)
			}
		case <-h.done:
			return
		}
	}
}

// Endpoint attaches a new node to the hub.
func (h *Hub) Endpoint() *Loopback {
	ep := &Loopback{hub: h}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

// Close stops delivery. Payloads still queued are dropped.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
	return nil
}

func (h *Hub) detach(ep *Loopback) {
	h.mu.Lock()
	delete(h.endpoints, ep)
	h.mu.Unlock()
}

// Loopback is one node's view of a Hub.
type Loopback struct {
	hub     *Hub
	ownsHub bool
	reg     registry
}

func (l *Loopback) Publish(ctx context.Context, payload []byte) error {
	if l.reg.isClosed() {
		return ErrClosed
	}
	select {
	case l.hub.queue <- append([]byte(nil), payload...):
		return nil
	case <-l.hub.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Subscribe(h Handler) (Subscription, error) { return l.reg.add(h) }

func (l *Loopback) Unsubscribe(s Subscription) error { return l.reg.remove(s) }

func (l *Loopback) Close() error {
	if l.reg.close() {
		l.hub.detach(l)
		if l.ownsHub {
			return l.hub.Close()
		}
	}
	return nil
}

var _ Transport = (*Loopback)(nil)
