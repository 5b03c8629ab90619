package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/XANi/cozy2prom/overkiz"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu         sync.Mutex
	payload    json.RawMessage
	listErr    error
	loginErr   error
	events     []overkiz.RawEvent
	eventsErr  error
	listCalls  int
	loginCalls int
}

func (g *fakeGateway) Login(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loginCalls++
	return g.loginErr
}

func (g *fakeGateway) ListDevices(ctx context.Context) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.payload, nil
}

func (g *fakeGateway) GetEvents(ctx context.Context, since string) ([]overkiz.RawEvent, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.eventsErr != nil {
		return nil, "", g.eventsErr
	}
	return g.events, "cursor-1", nil
}

func (g *fakeGateway) set(fn func(*fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

// capture remembers every batch it was handed
type capture struct {
	mu      sync.Mutex
	batches [][]Change
}

func (c *capture) Apply(batch []Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]Change, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type failingSubscriber struct{ calls int }

func (f *failingSubscriber) Apply(batch []Change) error {
	f.calls++
	return errors.New("subscriber exploded")
}

func newTestCoordinator(gw overkiz.Client, clk clock.Clock) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		Gateway:     gw,
		Logger:      testLogger(),
		Tracker:     NewTracker(10),
		Interval:    30 * time.Second,
		CallTimeout: 5 * time.Second,
		BackoffCap:  4,
		MaxBackoff:  10 * time.Minute,
		MaxFailures: 3,
		Clock:       clk,
	})
}

func TestCycleCommitsSnapshotAndPublishes(t *testing.T) {
	gw := &fakeGateway{payload: devicePayload(wellFormedDevice("io://a/1", 21))}
	coord := newTestCoordinator(gw, clock.NewMock())
	sub := &capture{}
	coord.Subscribe(sub)

	delay := coord.cycle(context.Background())
	assert.Equal(t, 30*time.Second, delay)

	snap := coord.Current()
	require.NotNil(t, snap)
	assert.Len(t, snap.Devices, 1)
	require.Equal(t, 1, sub.count())
	assert.Len(t, sub.batches[0], 2, "two states discovered")
	st := coord.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 2, st.KnownKeys)
}

func TestCycleBackoffBound(t *testing.T) {
	gw := &fakeGateway{listErr: &overkiz.TransportError{Op: "test", Err: errors.New("down")}}
	coord := newTestCoordinator(gw, clock.NewMock())

	base := 30 * time.Second
	expected := []time.Duration{
		base * 2,       // 2^1
		base * 4,       // 2^2
		base * 8,       // 2^3
		base * 16,      // 2^4, exponent cap reached
		base * 16,      // stays at cap
		base * 16,
	}
	for i, want := range expected {
		got := coord.cycle(context.Background())
		assert.Equal(t, want, got, "failure %d", i+1)
	}

	// recovery resets the counter and the cadence
	gw.set(func(g *fakeGateway) {
		g.listErr = nil
		g.payload = devicePayload(wellFormedDevice("io://a/1", 21))
	})
	assert.Equal(t, base, coord.cycle(context.Background()))
	assert.Equal(t, 0, coord.Status().ConsecutiveFailures)

	// and the next failure starts from the bottom again
	gw.set(func(g *fakeGateway) { g.listErr = &overkiz.TransportError{Op: "test", Err: errors.New("down")} })
	assert.Equal(t, base*2, coord.cycle(context.Background()))
}

func TestCycleBackoffCeiling(t *testing.T) {
	gw := &fakeGateway{listErr: &overkiz.TransportError{Op: "test", Err: errors.New("down")}}
	coord := NewCoordinator(CoordinatorConfig{
		Gateway:     gw,
		Logger:      testLogger(),
		Tracker:     NewTracker(10),
		Interval:    time.Minute,
		BackoffCap:  10,
		MaxBackoff:  5 * time.Minute,
		MaxFailures: 100,
		Clock:       clock.NewMock(),
	})
	var last time.Duration
	for i := 0; i < 8; i++ {
		last = coord.cycle(context.Background())
	}
	assert.Equal(t, 5*time.Minute, last)
}

func TestDegradedAfterThreshold(t *testing.T) {
	gw := &fakeGateway{listErr: &overkiz.TransportError{Op: "test", Err: errors.New("down")}}
	coord := newTestCoordinator(gw, clock.NewMock()) // MaxFailures: 3

	coord.cycle(context.Background())
	coord.cycle(context.Background())
	assert.False(t, coord.Status().Degraded)
	coord.cycle(context.Background())
	assert.True(t, coord.Status().Degraded)

	// degraded never stops the loop, and success clears it
	gw.set(func(g *fakeGateway) {
		g.listErr = nil
		g.payload = devicePayload(wellFormedDevice("io://a/1", 21))
	})
	coord.cycle(context.Background())
	assert.False(t, coord.Status().Degraded)
}

func TestMalformedPayloadRetriedLikeTransportError(t *testing.T) {
	gw := &fakeGateway{payload: json.RawMessage(`{"oops": true}`)}
	coord := newTestCoordinator(gw, clock.NewMock())
	delay := coord.cycle(context.Background())
	assert.Equal(t, 60*time.Second, delay)
	assert.Nil(t, coord.Current(), "bad payload is never committed")
	assert.Equal(t, 1, coord.Status().ConsecutiveFailures)
}

func TestSubscriberFailureDoesNotBlockCommit(t *testing.T) {
	gw := &fakeGateway{payload: devicePayload(wellFormedDevice("io://a/1", 21))}
	coord := newTestCoordinator(gw, clock.NewMock())
	failing := &failingSubscriber{}
	healthy := &capture{}
	coord.Subscribe(failing)
	coord.Subscribe(healthy)

	delay := coord.cycle(context.Background())
	assert.Equal(t, 30*time.Second, delay, "cycle counts as a success")
	assert.NotNil(t, coord.Current())
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.count(), "later subscribers still get the batch")
}

func TestAuthErrorSuspendsUntilReauth(t *testing.T) {
	gw := &fakeGateway{listErr: &overkiz.AuthError{Reason: "session expired"}}
	coord := newTestCoordinator(gw, clock.NewMock())

	coord.cycle(context.Background())
	assert.Equal(t, StateAuthWait, coord.Status().State)

	// while re-login keeps failing no device fetch happens
	gw.set(func(g *fakeGateway) {
		g.loginErr = &overkiz.AuthError{Reason: "still bad"}
	})
	before := gw.calls()
	coord.cycle(context.Background())
	assert.Equal(t, before, gw.calls(), "no ListDevices while auth is pending")
	assert.Equal(t, StateAuthWait, coord.Status().State)

	// once login works polling resumes in the same cycle
	gw.set(func(g *fakeGateway) {
		g.loginErr = nil
		g.listErr = nil
		g.payload = devicePayload(wellFormedDevice("io://a/1", 21))
	})
	coord.cycle(context.Background())
	assert.Equal(t, StateIdle, coord.Status().State)
	assert.NotNil(t, coord.Current())
}

func TestCycleRecordsEvents(t *testing.T) {
	gw := &fakeGateway{
		payload: devicePayload(wellFormedDevice("io://a/1", 21)),
		events: []overkiz.RawEvent{
			{Name: "DeviceStateChangedEvent", DeviceURL: "io://a/1", Raw: json.RawMessage(`{"name":"DeviceStateChangedEvent"}`)},
			{Name: "GatewayAliveEvent", Raw: json.RawMessage(`{"name":"GatewayAliveEvent"}`)},
		},
	}
	tracker := NewTracker(10)
	coord := NewCoordinator(CoordinatorConfig{
		Gateway: gw,
		Logger:  testLogger(),
		Tracker: tracker,
		Clock:   clock.NewMock(),
	})
	coord.cycle(context.Background())
	require.Equal(t, 2, tracker.Len())
	assert.Equal(t, "GatewayAliveEvent", tracker.Recent()[0].Name)
}

func TestEventFetchFailureDoesNotFailCycle(t *testing.T) {
	gw := &fakeGateway{
		payload:   devicePayload(wellFormedDevice("io://a/1", 21)),
		eventsErr: &overkiz.TransportError{Op: "events", Err: errors.New("nope")},
	}
	coord := newTestCoordinator(gw, clock.NewMock())
	delay := coord.cycle(context.Background())
	assert.Equal(t, 30*time.Second, delay)
	assert.NotNil(t, coord.Current())
}

// blockingGateway parks ListDevices until released so tests can poke
// the coordinator mid-poll
type blockingGateway struct {
	fakeGateway
	started chan struct{}
	proceed chan struct{}
}

func (g *blockingGateway) ListDevices(ctx context.Context) (json.RawMessage, error) {
	g.mu.Lock()
	g.listCalls++
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.proceed
	return devicePayload(wellFormedDevice("io://a/1", 21)), nil
}

func TestForceRefreshCoalescing(t *testing.T) {
	gw := &blockingGateway{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	coord := newTestCoordinator(gw, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	// first cycle fires immediately
	<-gw.started

	// both refreshes land while a poll is in flight: coalesced away
	coord.ForceRefresh()
	coord.ForceRefresh()
	gw.proceed <- struct{}{}

	select {
	case <-gw.started:
		t.Fatal("coalesced refresh still triggered an extra poll")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, gw.calls())
}

func TestForceRefreshWhileIdle(t *testing.T) {
	gw := &blockingGateway{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	coord := newTestCoordinator(gw, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	<-gw.started
	gw.proceed <- struct{}{}

	// mock clock is frozen, so only a refresh can start the next poll
	time.Sleep(50 * time.Millisecond)
	coord.ForceRefresh()
	select {
	case <-gw.started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh while idle did not trigger a poll")
	}
	gw.proceed <- struct{}{}
	waitFor(t, func() bool { return gw.calls() == 2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestStatusFields(t *testing.T) {
	gw := &fakeGateway{payload: devicePayload(
		wellFormedDevice("io://a/1", 21),
		wellFormedDevice("io://a/2", 22),
	)}
	coord := newTestCoordinator(gw, clock.NewMock())
	coord.cycle(context.Background())
	st := coord.Status()
	assert.Equal(t, uint64(1), st.SnapshotSeq)
	assert.Equal(t, 2, st.Devices)
	assert.Equal(t, 4, st.KnownKeys)
	assert.False(t, st.LastSuccess.IsZero())
}
