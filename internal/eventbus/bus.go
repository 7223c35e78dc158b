// Package eventbus provides a process-wide publish/subscribe channel that
// lets independent views learn about watchlist mutations without holding
// references to each other.
package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload of a published event. A returned error is
// logged and does not stop delivery to the remaining handlers.
type Handler func(payload any) error

// Token identifies one registration. The zero Token is never issued.
type Token struct {
	id    uuid.UUID
	event string
}

// Valid reports whether t was issued by Subscribe.
func (t Token) Valid() bool {
	return t.id != uuid.Nil
}

// String returns a short form for logging.
func (t Token) String() string {
	return t.event + "/" + t.id.String()
}

type registration struct {
	id      uuid.UUID
	handler Handler
}

// Bus dispatches events synchronously to subscribers in subscription order.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]registration
	log  *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[string][]registration),
		log:  log.With("component", "eventbus"),
	}
}

var (
	defaultOnce sync.Once
	defaultBus  *Bus
)

// Default returns the process-wide Bus.
func Default() *Bus {
	defaultOnce.Do(func() {
		defaultBus = New(slog.Default())
	})
	return defaultBus
}

// Subscribe registers handler for event and returns its token. Registering
// the same handler twice for one view yields two deliveries per event;
// callers must unsubscribe before re-subscribing.
func (b *Bus) Subscribe(event string, handler Handler) Token {
	id := uuid.New()
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], registration{id: id, handler: handler})
	b.mu.Unlock()
	return Token{id: id, event: event}
}

// Unsubscribe removes exactly the registration identified by t. Unknown or
// already-removed tokens are ignored.
func (b *Bus) Unsubscribe(t Token) {
	if !t.Valid() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subs[t.event]
	for i, r := range regs {
		if r.id != t.id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, t.event)
		} else {
			b.subs[t.event] = next
		}
		return
	}
}

// Publish delivers payload to every handler currently subscribed to event,
// in subscription order. Handlers run outside the bus lock, so they may
// subscribe or unsubscribe. The returned error joins all handler failures.
func (b *Bus) Publish(event string, payload any) error {
	b.mu.Lock()
	regs := b.subs[event]
	b.mu.Unlock()

	var errs []error
	for _, r := range regs {
		if err := b.dispatch(event, r, payload); err != nil {
			b.log.Warn("event handler failed", "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(event string, r registration, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event, p)
		}
	}()
	return r.handler(payload)
}

// Count returns the number of live registrations for event.
func (b *Bus) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Active returns the number of live registrations across all events. A
// non-zero value after every view has unmounted indicates a leak.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, regs := range b.subs {
		n += len(regs)
	}
	return n
}
