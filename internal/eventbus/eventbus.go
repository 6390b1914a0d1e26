// Package eventbus is an in-process publish/subscribe bus with per-subscriber
// filters, name-routed handlers and single-shot wait handles.
//
// Publish is synchronous: every matching handler has run when it returns.
// Handlers run on the publisher's goroutine, in registration order.
package eventbus

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/natlobby/natlobby/internal/logging"
)

// allEvents is the registration key for subscriptions without event names.
const allEvents = "*"

// Errors returned by the bus.
var (
	ErrNoEventName = errors.New("event name is required")
	ErrTimeout     = errors.New("timed out waiting for event")
	ErrClosed      = errors.New("subscription closed")
)

// Event is a named occurrence with positional arguments.
type Event struct {
	Name string
	Args []any
}

// Arg returns the i-th argument as a string, or "" when it is missing or
// not a string.
func (e Event) Arg(i int) string {
	if i < 0 || i >= len(e.Args) {
		return ""
	}
	s, _ := e.Args[i].(string)
	return s
}

func (e Event) String() string {
	return fmt.Sprintf("%s%v", e.Name, e.Args)
}

// Filter decides whether a subscription accepts an event's arguments.
type Filter func(args []any) bool

// Bus dispatches published events to subscriptions.
// The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	logger *logging.Logger
}

// New creates an empty bus. A nil logger discards diagnostics.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers owner for the named events, or for all events when
// names is empty. The filter may be nil. Owner identifies the registration
// for Unsubscribe and must be comparable; if it implements Receiver its
// routed handlers are invoked on delivery.
func (b *Bus) Subscribe(owner any, names []string, filter Filter) *Subscription {
	if len(names) == 0 {
		names = []string{allEvents}
	}
	sub := &Subscription{
		bus:    b,
		owner:  owner,
		names:  slices.Clone(names),
		filter: filter,
		waits:  make(map[string]*waitHandle),
		closed: make(chan struct{}),
	}
	if r, ok := owner.(Receiver); ok {
		sub.receiver = r
	}

	b.mu.Lock()
	for _, name := range sub.names {
		b.subs[name] = append(b.subs[name], sub)
	}
	b.mu.Unlock()

	b.logger.Trace("Subscribed %T to %v", owner, sub.names)
	return sub
}

// Publish delivers an event to every matching subscription: named
// registrations first, then all-event registrations, each in registration
// order. A subscription registered under the name and as all-events is
// delivered to once.
func (b *Bus) Publish(name string, args ...any) error {
	if name == "" {
		return ErrNoEventName
	}

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[name])+len(b.subs[allEvents]))
	targets = append(targets, b.subs[name]...)
	for _, sub := range b.subs[allEvents] {
		if !slices.Contains(targets, sub) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	ev := Event{Name: name, Args: args}
	for _, sub := range targets {
		sub.fire(ev)
	}
	return nil
}

// Unsubscribe removes owner's registrations for exactly the given names.
// With no names only the all-events registration is removed.
func (b *Bus) Unsubscribe(owner any, names ...string) {
	if len(names) == 0 {
		names = []string{allEvents}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		b.removeLocked(name, func(s *Subscription) bool { return s.owner == owner })
	}
	b.logger.Trace("Unsubscribed %T from %v", owner, names)
}

// remove drops exactly sub from its registrations.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range sub.names {
		b.removeLocked(name, func(s *Subscription) bool { return s == sub })
	}
}

func (b *Bus) removeLocked(name string, match func(*Subscription) bool) {
	list, ok := b.subs[name]
	if !ok {
		return
	}
	list = slices.DeleteFunc(list, match)
	if len(list) == 0 {
		delete(b.subs, name)
		return
	}
	b.subs[name] = list
}

// Len reports how many registrations exist for name ("" counts all-event
// registrations).
func (b *Bus) Len(name string) int {
	if name == "" {
		name = allEvents
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}
