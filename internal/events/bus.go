// Package events implements the gateway's tagged-variant event bus: a
// closed set of event types, each deliverable to per-type subscribers and to
// wildcard subscribers, dispatched synchronously in registration order.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/agent-gateway/internal/obslog"
)

// Type is one member of the closed event-type enumeration.
type Type string

// The closed event catalog.
const (
	SessionCreated    Type = "session:created"
	SessionActivated  Type = "session:activated"
	SessionPaused     Type = "session:paused"
	SessionExhausted  Type = "session:exhausted"
	SessionSettled    Type = "session:settled"
	SessionExpired    Type = "session:expired"
	CallBefore        Type = "call:before"
	CallAfter         Type = "call:after"
	CallError         Type = "call:error"
	CallAttested      Type = "call:attested"
	PaymentIntent     Type = "payment:intent"
	PaymentSettled    Type = "payment:settled"
	RateLimitExceeded Type = "ratelimit:exceeded"
	BudgetWarning     Type = "budget:warning"
	BudgetExhausted   Type = "budget:exhausted"
	X402PaymentReq    Type = "x402:payment-required"
	X402PaymentValid  Type = "x402:payment-verified"
	X402PaymentSettle Type = "x402:payment-settled"
	X402PaymentSent   Type = "x402:payment-sent"

	// Wildcard subscribes to every event type.
	Wildcard Type = "*"
)

// Event is a single emission on the bus.
type Event struct {
	Type      Type
	SessionID string
	Timestamp time.Time
	Payload   any
}

// Handler processes one event. Handlers must be short-lived; dispatch work
// that can block to a separate goroutine rather than doing it inline.
type Handler func(Event)

type registration struct {
	id       uint64
	wildcard bool
	evtType  Type
	handler  Handler
}

// Bus is a process-wide (or per-session) mutable subscriber table, protected
// by a single lock covering registration and emission.
type Bus struct {
	mu     sync.RWMutex
	subs   []*registration
	nextID uint64
	log    *obslog.Logger
}

// New creates an empty Bus. A nil logger is replaced with a default one so
// handler panics are always recorded somewhere.
func New(log *obslog.Logger) *Bus {
	if log == nil {
		log = obslog.NewDefault("events")
	}
	return &Bus{log: log}
}

// On subscribes handler to eventType, or to every event type when eventType
// is Wildcard. It returns an unsubscribe function.
func (b *Bus) On(eventType Type, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	reg := &registration{
		id:       b.nextID,
		wildcard: eventType == Wildcard,
		evtType:  eventType,
		handler:  handler,
	}
	b.subs = append(b.subs, reg)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.subs {
			if r.id == reg.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers evt to every matching subscriber, in the order they were
// registered. A handler panic is recovered and logged; it never corrupts
// bus state or stops delivery to the remaining handlers.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]*registration, 0, len(b.subs))
	for _, r := range b.subs {
		if r.wildcard || r.evtType == evt.Type {
			matched = append(matched, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range matched {
		b.dispatch(r, evt)
	}
}

func (b *Bus) dispatch(r *registration, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.WithField("event", string(evt.Type)).
				WithField("session_id", evt.SessionID).
				Error(fmt.Sprintf("event handler panicked: %v", rec))
		}
	}()
	r.handler(evt)
}

// SubscriberCount returns the number of live subscriptions, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
