package signaling

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

// Handler receives decoded inbound events in delivery order
type Handler func(Event)

// Channel is the persistent bidirectional connection to the relay
type Channel interface {
	// Connect dials the relay if not connected
	Connect(ctx context.Context) error
	Connected() bool
	// Emit sends an event without waiting for an acknowledgement
	Emit(ctx context.Context, event string, payload any) error
	// Request sends an event and decodes its acknowledgement into reply
	Request(ctx context.Context, event string, payload any, reply any) error
	// Subscribe registers a handler for inbound events
	Subscribe(h Handler) (unsubscribe func())
	// OnConnect registers a hook run after every successful (re)connect
	OnConnect(fn func())
	Close() error
}

// Dispatcher fans decoded events out to subscribers. Undecodable payloads are
// logged, counted and dropped at this boundary.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	hooks    []func()
	metrics  *metrics.Metrics
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[int]Handler),
		metrics:  m,
	}
}

// Subscribe registers h and returns its removal func
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.next
	d.next++
	d.handlers[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// OnConnect registers a connect hook
func (d *Dispatcher) OnConnect(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Connected runs every connect hook
func (d *Dispatcher) Connected() {
	d.mu.RLock()
	hooks := append([]func(){}, d.hooks...)
	d.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}

// Dispatch decodes a raw inbound event and delivers it
func (d *Dispatcher) Dispatch(name string, data []byte) {
	ev, err := Decode(name, data)
	if err != nil {
		if stderrors.Is(err, ErrUnknownEvent) {
			logger.Debug("Ignoring unknown signaling event", zap.String("event", name))
			d.metrics.RecordSignalingEvent(name, "in", "unknown")
			return
		}
		logger.Warn("Dropping malformed signaling event",
			zap.String("event", name),
			zap.Error(err))
		d.metrics.RecordSignalingEvent(name, "in", "malformed")
		return
	}

	d.metrics.RecordSignalingEvent(name, "in", "ok")

	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
