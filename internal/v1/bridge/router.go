package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/confmesh/focus/internal/v1/logging"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

// Listener receives bridge health transitions. Conferences implement this to
// trigger failover and restart.
type Listener interface {
	OnBridgeUp(j jid.JID)
	OnBridgeDown(j jid.JID)
}

// EventRouter fans bridge up/down signals from the selector out to the
// conferences that subscribed. Subscriptions are keyed by an atomic counter
// so unsubscribing one listener never disturbs another.
type EventRouter struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    atomic.Uint64
}

// NewEventRouter creates an empty router.
func NewEventRouter() *EventRouter {
	return &EventRouter{listeners: make(map[uint64]Listener)}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (r *EventRouter) Subscribe(l Listener) func() {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.listeners[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *EventRouter) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

// BridgeUp dispatches a bridge-up signal to every subscriber. Listeners run
// on the caller's goroutine, after the router lock is released.
func (r *EventRouter) BridgeUp(j jid.JID) {
	logging.Info(context.Background(), "Bridge up", zap.String("bridge", j.String()))
	for _, l := range r.snapshot() {
		l.OnBridgeUp(j)
	}
}

// BridgeDown dispatches a bridge-down signal to every subscriber.
func (r *EventRouter) BridgeDown(j jid.JID) {
	logging.Warn(context.Background(), "Bridge down", zap.String("bridge", j.String()))
	for _, l := range r.snapshot() {
		l.OnBridgeDown(j)
	}
}

// Len returns the number of subscribed listeners. Used by shutdown checks
// and tests.
func (r *EventRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
