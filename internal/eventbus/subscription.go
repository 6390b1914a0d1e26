package eventbus

import (
	"context"
	"slices"
	"sync"
	"time"
)

// HandlerFunc handles one delivered event.
type HandlerFunc func(ev Event)

// Receiver is implemented by subscription owners that handle events by name.
type Receiver interface {
	Handler(name string) (HandlerFunc, bool)
}

// Router is a routing table from event name to handler. Embed it in an owner
// and populate it at construction to make the owner a Receiver.
type Router struct {
	routes map[string]HandlerFunc
}

// Route registers fn as the handler for name, replacing any previous one.
func (r *Router) Route(name string, fn HandlerFunc) {
	if r.routes == nil {
		r.routes = make(map[string]HandlerFunc)
	}
	r.routes[name] = fn
}

// Handler implements Receiver.
func (r *Router) Handler(name string) (HandlerFunc, bool) {
	fn, ok := r.routes[name]
	return fn, ok
}

// waitHandle is armed until resolved, then holds the resolving event until
// a waiter consumes it. It never resolves twice.
type waitHandle struct {
	done     chan struct{}
	ev       Event
	resolved bool
	waiters  int
}

func newWaitHandle() *waitHandle {
	return &waitHandle{done: make(chan struct{})}
}

func (h *waitHandle) resolve(ev Event) bool {
	if h.resolved {
		return false
	}
	h.resolved = true
	h.ev = ev
	close(h.done)
	return true
}

// Subscription is one registration on a Bus. Close releases it; a
// subscription is typically scoped with defer.
type Subscription struct {
	bus      *Bus
	owner    any
	receiver Receiver
	names    []string
	filter   Filter

	mu    sync.Mutex
	waits map[string]*waitHandle

	closeOnce sync.Once
	closed    chan struct{}
}

// Owner returns the subscribing owner.
func (s *Subscription) Owner() any { return s.owner }

// Names returns the event names this subscription is registered for.
func (s *Subscription) Names() []string { return slices.Clone(s.names) }

// Close unregisters the subscription and wakes pending waiters with
// ErrClosed. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.bus.remove(s)
		s.mu.Lock()
		clear(s.waits)
		s.mu.Unlock()
	})
	return nil
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fire delivers ev: resolves the armed wait handle for ev.Name, then calls
// the owner's handler.
func (s *Subscription) fire(ev Event) {
	if s.isClosed() {
		return
	}
	if s.filter != nil && !s.filter(ev.Args) {
		return
	}

	s.mu.Lock()
	if h, ok := s.waits[ev.Name]; ok {
		if !h.resolve(ev) {
			s.bus.logger.Trace("Wait for %s already satisfied, dropping %v", ev.Name, ev)
		}
	}
	s.mu.Unlock()

	if s.receiver != nil {
		if fn, ok := s.receiver.Handler(ev.Name); ok {
			fn(ev)
			return
		}
	}
	s.bus.logger.Debug("%T has no handler for %s", s.owner, ev.Name)
}

// Arm starts recording name so that the next WaitFor observes events
// published from now on. A handle resolved before Arm is discarded.
func (s *Subscription) Arm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	if h, ok := s.waits[name]; ok && !h.resolved {
		return
	}
	s.waits[name] = newWaitHandle()
}

// WaitFor blocks until name is delivered to this subscription. Only events
// published after the handle was armed (by Arm, a previous successful
// WaitFor, or this call) are observed. A timeout of zero or less means no
// deadline.
//
// It returns ErrTimeout when the deadline passes, ctx.Err() when ctx ends
// first, and ErrClosed when the subscription is closed. After a successful
// wait a fresh handle is armed, so the same occurrence is never returned
// twice.
func (s *Subscription) WaitFor(ctx context.Context, name string, timeout time.Duration) (Event, error) {
	if name == "" {
		return Event{}, ErrNoEventName
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return Event{}, ErrClosed
	}
	h, ok := s.waits[name]
	if !ok {
		h = newWaitHandle()
		s.waits[name] = h
	}
	h.waiters++
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	var err error
	select {
	case <-h.done:
	case <-deadline:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.closed:
		err = ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h.waiters--
	if err != nil && !h.resolved {
		if h.waiters == 0 && s.waits[name] == h {
			delete(s.waits, name)
		}
		return Event{}, err
	}
	if s.waits[name] == h && !s.isClosed() {
		s.waits[name] = newWaitHandle()
	}
	return h.ev, nil
}
