package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder appends every handled event to a shared log.
type recorder struct {
	Router
	id  string
	mu  *sync.Mutex
	log *[]string
}

func newRecorder(id string, mu *sync.Mutex, log *[]string, names ...string) *recorder {
	r := &recorder{id: id, mu: mu, log: log}
	for _, name := range names {
		r.Route(name, func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			*r.log = append(*r.log, fmt.Sprintf("%s:%s:%v", r.id, ev.Name, ev.Args))
		})
	}
	return r
}

func tokenIs(token string) Filter {
	return func(args []any) bool {
		return len(args) > 1 && args[1] == token
	}
}

func TestPublish_RegistrationOrderExactlyOnce(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string

	for _, id := range []string{"a", "b", "c"} {
		sub := bus.Subscribe(newRecorder(id, &mu, &log, "ping"), []string{"ping"}, nil)
		defer sub.Close()
	}

	require.NoError(t, bus.Publish("ping", 1))

	assert.Equal(t, []string{"a:ping:[1]", "b:ping:[1]", "c:ping:[1]"}, log)
}

func TestPublish_NamedBeforeAll(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string

	all := bus.Subscribe(newRecorder("all", &mu, &log, "ping"), nil, nil)
	defer all.Close()
	named := bus.Subscribe(newRecorder("named", &mu, &log, "ping"), []string{"ping"}, nil)
	defer named.Close()

	require.NoError(t, bus.Publish("ping"))

	assert.Equal(t, []string{"named:ping:[]", "all:ping:[]"}, log)
}

func TestPublish_FilterAppliesToAllSubscribers(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string

	sub := bus.Subscribe(newRecorder("all", &mu, &log, "relayed", "direct"), nil, tokenIs("2"))
	defer sub.Close()

	require.NoError(t, bus.Publish("relayed", "127.0.0.1:6112", "1"))
	require.NoError(t, bus.Publish("relayed", "127.0.0.1:6112", "2"))
	require.NoError(t, bus.Publish("direct", "127.0.0.1:6112", "2"))

	assert.Equal(t, []string{
		"all:relayed:[127.0.0.1:6112 2]",
		"all:direct:[127.0.0.1:6112 2]",
	}, log)
}

func TestPublish_EmptyNameIsContractViolation(t *testing.T) {
	bus := New(nil)
	assert.ErrorIs(t, bus.Publish(""), ErrNoEventName)
}

func TestPublish_MissingHandlerIsNotAnError(t *testing.T) {
	bus := New(nil)
	owner := &struct{ n int }{}
	sub := bus.Subscribe(owner, []string{"ping"}, nil)
	defer sub.Close()

	sub.Arm("ping")
	require.NoError(t, bus.Publish("ping", "x"))

	ev, err := sub.WaitFor(context.Background(), "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Arg(0))
}

func TestPublish_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	bus := New(nil)
	r := &recorder{}
	var sub *Subscription
	calls := 0
	r.Route("once", func(Event) {
		calls++
		sub.Close()
	})
	sub = bus.Subscribe(r, []string{"once"}, nil)

	require.NoError(t, bus.Publish("once"))
	require.NoError(t, bus.Publish("once"))

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.Len("once"))
}

func TestUnsubscribe_RemovesOnlyNamedRegistrations(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string
	r := newRecorder("r", &mu, &log, "a", "b", "c")
	bus.Subscribe(r, []string{"a", "b", "c"}, nil)

	bus.Unsubscribe(r, "a")

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(name))
	}
	assert.Equal(t, []string{"r:b:[]", "r:c:[]"}, log)

	bus.Unsubscribe(r, "b", "c")
	assert.Zero(t, bus.Len("b"))
	assert.Zero(t, bus.Len("c"))
}

func TestUnsubscribe_NoNamesRemovesOnlyAllRegistration(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string
	r := newRecorder("r", &mu, &log, "a")
	bus.Subscribe(r, nil, nil)
	bus.Subscribe(r, []string{"a"}, nil)

	bus.Unsubscribe(r)

	require.NoError(t, bus.Publish("a"))
	assert.Equal(t, []string{"r:a:[]"}, log)
	assert.Zero(t, bus.Len(""))
	assert.Equal(t, 1, bus.Len("a"))
}

func TestUnsubscribe_OtherOwnersUntouched(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string
	r1 := newRecorder("r1", &mu, &log, "a")
	r2 := newRecorder("r2", &mu, &log, "a")
	bus.Subscribe(r1, []string{"a"}, nil)
	bus.Subscribe(r2, []string{"a"}, nil)

	bus.Unsubscribe(r1, "a")

	require.NoError(t, bus.Publish("a"))
	assert.Equal(t, []string{"r2:a:[]"}, log)
}

func TestSubscriptionClose_ReleasesExactlyItself(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var log []string
	r := newRecorder("r", &mu, &log, "a")
	first := bus.Subscribe(r, []string{"a"}, tokenIs("1"))
	second := bus.Subscribe(r, []string{"a"}, tokenIs("2"))
	defer second.Close()

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	require.NoError(t, bus.Publish("a", "src", "1"))
	require.NoError(t, bus.Publish("a", "src", "2"))
	assert.Equal(t, []string{"r:a:[src 2]"}, log)
}

func TestWaitFor_DoesNotReplayEarlierEvent(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	require.NoError(t, bus.Publish("a", "before"))

	_, err := sub.WaitFor(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitFor_ResolvesOnSubsequentEvent(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	sub.Arm("a")
	done := make(chan Event, 1)
	go func() {
		ev, err := sub.WaitFor(context.Background(), "a", time.Second)
		assert.NoError(t, err)
		done <- ev
	}()

	require.NoError(t, bus.Publish("a", "after"))

	select {
	case ev := <-done:
		assert.Equal(t, "after", ev.Arg(0))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestWaitFor_NoDoubleConsumption(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	sub.Arm("a")
	require.NoError(t, bus.Publish("a", "first"))
	// Handle is already satisfied; this occurrence is not recorded.
	require.NoError(t, bus.Publish("a", "second"))

	ev, err := sub.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", ev.Arg(0))

	_, err = sub.WaitFor(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	sub.Arm("a")
	require.NoError(t, bus.Publish("a", "third"))
	ev, err = sub.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "third", ev.Arg(0))
}

func TestWaitFor_RearmsAfterSuccess(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	sub.Arm("a")
	require.NoError(t, bus.Publish("a", 1))
	ev, err := sub.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Args[0])

	require.NoError(t, bus.Publish("a", 2))
	ev, err = sub.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Args[0])
}

func TestWaitFor_TimeoutDropsStaleHandle(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	_, err := sub.WaitFor(context.Background(), "a", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, bus.Publish("a", "late"))

	_, err = sub.WaitFor(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitFor_FilteredEventsDoNotResolve(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, tokenIs("mine"))
	defer sub.Close()

	sub.Arm("a")
	require.NoError(t, bus.Publish("a", "src", "theirs"))

	_, err := sub.WaitFor(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitFor_ContextCancel(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sub.WaitFor(ctx, "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitFor_CloseWakesWaiter(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, []string{"a"}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.WaitFor(context.Background(), "a", 0)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sub.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}

	_, err := sub.WaitFor(context.Background(), "a", time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitFor_EmptyName(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe(&recorder{}, nil, nil)
	defer sub.Close()

	_, err := sub.WaitFor(context.Background(), "", time.Millisecond)
	assert.True(t, errors.Is(err, ErrNoEventName))
}

func TestConcurrentSubscriptions_NoCrossTalk(t *testing.T) {
	bus := New(nil)
	const n = 20

	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = bus.Subscribe(&recorder{id: fmt.Sprint(i)}, []string{"relayed"}, tokenIs(fmt.Sprint(i)))
		subs[i].Arm("relayed")
		defer subs[i].Close()
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, bus.Publish("relayed", fmt.Sprintf("10.0.0.%d:6112", i), fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()

	for i, sub := range subs {
		ev, err := sub.WaitFor(context.Background(), "relayed", time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), ev.Arg(1))
		assert.Equal(t, fmt.Sprintf("10.0.0.%d:6112", i), ev.Arg(0))
	}
}
