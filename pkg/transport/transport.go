// Package transport moves opaque payloads between mesh nodes. Payloads are delivered to
// subscribers byte-for-byte as published, so signatures over them stay checkable.
package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport: closed")

// AuthHeader carries the mesh auth token on HTTP requests.
const AuthHeader = "X-Meshrabiya-Auth"

// MaxPayloadSize bounds inbound payloads on transports that read from the network.
const MaxPayloadSize = 1 << 20

// Handler receives one payload. It must not retain payload after returning unless it copies it;
// transports hand each subscriber its own copy.
type Handler func(payload []byte)

// Subscription identifies a registered Handler.
type Subscription uint64

// Transport publishes payloads to the mesh and delivers inbound payloads to subscribers.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(h Handler) (Subscription, error)
	Unsubscribe(s Subscription) error
	Close() error
}

// registry is the subscriber set shared by the transport implementations.
type registry struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[Subscription]Handler
	closed   bool
}

func (r *registry) add(h Handler) (Subscription, error) {
	if h == nil {
		return 0, errors.New("transport: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if r.handlers == nil {
		r.handlers = make(map[Subscription]Handler)
	}
	r.next++
	r.handlers[r.next] = h
	return r.next, nil
}

func (r *registry) remove(s Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, s)
	return nil
}

func (r *registry) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	r.handlers = nil
	return true
}

func (r *registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *registry) deliver(payload []byte) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
}
