package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/domain"
)

var log = logrus.WithField("component", "events")

// Event is one of the plain-data variants below. Consumers type-switch on it.
type Event interface {
	isEvent()
}

// ErrorKind classifies StreamError events.
type ErrorKind string

const (
	ErrProtocolViolation            ErrorKind = "protocol_violation"
	ErrLoginRejected                ErrorKind = "login_rejected"
	ErrLivenessTimeout              ErrorKind = "liveness_timeout"
	ErrMaxReconnectAttemptsExceeded ErrorKind = "max_reconnect_attempts_exceeded"
)

// Connected fires once the stream login was acknowledged.
type Connected struct {
	CorrelationID string
	At            time.Time
}

// Disconnected fires when an active or connecting stream lost its transport,
// and once more when the caller asked to disconnect.
type Disconnected struct {
	Reason string
	Err    error
	At     time.Time
}

// DataReceived carries one decoded data payload. Payload is the raw
// "content" array; field semantics are left to the consumer.
type DataReceived struct {
	Channel string
	Service string
	Payload json.RawMessage
	At      time.Time
}

// StreamError is a protocol or session error. Fatal errors stop automatic
// recovery and need an explicit connect (and possibly re-authentication).
type StreamError struct {
	Kind   ErrorKind
	Detail string
	Fatal  bool
	At     time.Time
}

// StateChanged reports every session state transition.
type StateChanged struct {
	From string
	To   string
	At   time.Time
}

// OrderUpdated carries a snapshot of an outstanding order after a status change.
type OrderUpdated struct {
	Order domain.OutstandingOrder
	At    time.Time
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (DataReceived) isEvent() {}
func (StreamError) isEvent()  {}
func (StateChanged) isEvent() {}
func (OrderUpdated) isEvent() {}

func (e StreamError) String() string {
	if e.Fatal {
		return fmt.Sprintf("fatal %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Handler receives events on the publisher's goroutine. It must not block for
// long and must not call back into the publisher synchronously.
type Handler func(Event)

// Bus fans events out to every registered handler, serially and in
// registration order.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []registered
}

type registered struct {
	id uint64
	fn Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, registered{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, h := range b.handlers {
				if h.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) snapshot() []registered {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]registered, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// Publish delivers ev to every handler. A panicking handler is logged and
// skipped; the others still run.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	for _, h := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("event handler %d panic on %T: %v", h.id, ev, r)
				}
			}()
			h.fn(ev)
		}()
	}
}

// Count returns the number of registered handlers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
