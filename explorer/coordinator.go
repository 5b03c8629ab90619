package explorer

import (
	"context"
	"sync"
	"time"

	"github.com/XANi/cozy2prom/overkiz"
	"github.com/benbjohnson/clock"
	"github.com/efigence/go-mon"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Subscriber receives one ordered batch per poll cycle. A failing
// subscriber is logged and skipped, it never stalls discovery or
// rolls back the snapshot commit.
type Subscriber interface {
	Apply(batch []Change) error
}

type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateBackoff  State = "backoff"
	StateAuthWait State = "auth_wait"
)

const DefaultInterval = 30 * time.Second

type CoordinatorConfig struct {
	Gateway overkiz.Client
	Logger  *zap.SugaredLogger
	Tracker *Tracker
	// poll interval, defaults to 30s
	Interval time.Duration
	// per-gateway-call timeout so a hung remote cannot wedge the loop
	CallTimeout time.Duration
	// exponent cap: delay is Interval * 2^min(failures, BackoffCap)
	BackoffCap int
	// hard ceiling on the backoff delay
	MaxBackoff time.Duration
	// consecutive failures before status flips to degraded
	MaxFailures int
	// swap in clock.NewMock() for tests
	Clock clock.Clock
	// optional, metrics are skipped when nil
	Metrics prometheus.Registerer
}

type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
	LastSuccess         time.Time `json:"last_success"`
	SnapshotSeq         uint64    `json:"snapshot_seq"`
	Devices             int       `json:"devices"`
	KnownKeys           int       `json:"known_keys"`
}

// Coordinator owns the poll pipeline: timer -> gateway -> builder ->
// diff -> publish. Exactly one cycle is ever in flight, the previous
// snapshot is private to it, so there is nothing to lock inside the
// pipeline itself.
type Coordinator struct {
	gateway     overkiz.Client
	log         *zap.SugaredLogger
	tracker     *Tracker
	builder     *Builder
	differ      *differ
	clk         clock.Clock
	interval    time.Duration
	callTimeout time.Duration
	backoffCap  int
	maxBackoff  time.Duration
	maxFailures int

	refresh chan struct{}
	polling chan struct{} // held while a cycle is in flight, cap 1

	mu          sync.RWMutex
	current     *Snapshot
	state       State
	failures    int
	degraded    bool
	authPending bool
	lastSuccess time.Time
	knownKeys   int
	eventCursor string
	subscribers []Subscriber

	mPolls        *prometheus.CounterVec
	mConsecFails  prometheus.Gauge
	mDegraded     prometheus.Gauge
	mDevices      prometheus.Gauge
	mEventsSeen   prometheus.Counter
	mBatchChanges prometheus.Counter
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = cfg.Interval / 2
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 6
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	c := &Coordinator{
		gateway:     cfg.Gateway,
		log:         cfg.Logger,
		tracker:     cfg.Tracker,
		builder:     NewBuilder(cfg.Logger.Named("builder")),
		differ:      newDiffer(),
		clk:         cfg.Clock,
		interval:    cfg.Interval,
		callTimeout: cfg.CallTimeout,
		backoffCap:  cfg.BackoffCap,
		maxBackoff:  cfg.MaxBackoff,
		maxFailures: cfg.MaxFailures,
		refresh:     make(chan struct{}, 1),
		polling:     make(chan struct{}, 1),
		state:       StateIdle,
	}
	if cfg.Metrics != nil {
		c.registerMetrics(cfg.Metrics)
	}
	return c
}

func (c *Coordinator) registerMetrics(reg prometheus.Registerer) {
	c.mPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cozy_polls_total",
		Help: "Poll cycles by result",
	}, []string{"result"})
	c.mConsecFails = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cozy_consecutive_failures",
		Help: "Consecutive failed poll cycles",
	})
	c.mDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cozy_degraded",
		Help: "1 when past the consecutive failure threshold",
	})
	c.mDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cozy_snapshot_devices",
		Help: "Devices in the current snapshot",
	})
	c.mEventsSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cozy_remote_events_total",
		Help: "Remote events recorded",
	})
	c.mBatchChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cozy_published_changes_total",
		Help: "Classified changes published to subscribers",
	})
	reg.MustRegister(c.mPolls, c.mConsecFails, c.mDegraded, c.mDevices,
		c.mEventsSeen, c.mBatchChanges)
}

// Subscribe registers a batch consumer. Not safe to call once Run has
// started, wire everything up first.
func (c *Coordinator) Subscribe(s Subscriber) {
	c.subscribers = append(c.subscribers, s)
}

// ForceRefresh short-circuits the wait before the next poll. While a
// cycle is already in flight it is a no-op, at most one poll runs at
// a time and nothing is queued behind it.
func (c *Coordinator) ForceRefresh() {
	select {
	case c.polling <- struct{}{}:
		// nothing in flight, release and signal
		<-c.polling
	default:
		return
	}
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Current returns the committed snapshot. Snapshots are immutable
// after publish, the pointer is safe to share.
func (c *Coordinator) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		State:               c.state,
		ConsecutiveFailures: c.failures,
		Degraded:            c.degraded,
		LastSuccess:         c.lastSuccess,
		KnownKeys:           c.knownKeys,
	}
	if c.current != nil {
		st.SnapshotSeq = c.current.Seq
		st.Devices = len(c.current.Devices)
	}
	return st
}

// Run drives the loop until ctx is cancelled. The first cycle fires
// immediately. The loop never terminates on its own, transport
// failures only stretch the delay.
func (c *Coordinator) Run(ctx context.Context) {
	delay := time.Duration(0)
	for {
		if delay > 0 {
			timer := c.clk.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-c.refresh:
				timer.Stop()
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		delay = c.cycle(ctx)
	}
}

// PollOnce runs a single synchronous cycle, for one-shot use outside
// the loop. Coalesces with Run the same way ForceRefresh does.
func (c *Coordinator) PollOnce(ctx context.Context) {
	c.cycle(ctx)
}

// cycle runs one Polling -> Diffing -> Publishing pass and returns
// the delay before the next one.
func (c *Coordinator) cycle(ctx context.Context) time.Duration {
	c.polling <- struct{}{}
	defer func() { <-c.polling }()
	// a refresh that raced in just before we started is satisfied by
	// this very cycle
	select {
	case <-c.refresh:
	default:
	}

	c.setState(StatePolling)

	if c.authRequired() {
		if err := c.login(ctx); err != nil {
			c.log.Errorf("re-authentication failed: %s", err)
			return c.fail(err)
		}
		c.setAuthPending(false)
		c.log.Info("re-authentication succeeded, resuming polling")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	payload, err := c.gateway.ListDevices(callCtx)
	cancel()
	if err != nil {
		if overkiz.IsAuthError(err) {
			c.log.Errorw("session rejected, suspending polls until re-auth succeeds", "err", err)
			c.setAuthPending(true)
		} else {
			c.log.Warnf("device list fetch failed: %s", err)
		}
		return c.fail(err)
	}

	snap, err := c.builder.Build(payload)
	if err != nil {
		// unparseable top level is retried like a transport failure
		c.log.Errorf("discarding poll result: %s", err)
		return c.fail(err)
	}

	c.pollEvents(ctx)

	batch := c.differ.diff(snap)
	c.publish(batch)

	// commit only after publishing, subscriber failures included
	c.mu.Lock()
	c.current = snap
	c.lastSuccess = c.clk.Now()
	c.knownKeys = len(c.differ.seen)
	wasDegraded := c.degraded
	c.failures = 0
	c.degraded = false
	c.state = StateIdle
	c.mu.Unlock()
	if wasDegraded {
		mon.GlobalStatus.Update(mon.Ok, "poll loop recovered")
		c.log.Info("poll loop recovered")
	}
	if c.mPolls != nil {
		c.mPolls.WithLabelValues("ok").Inc()
		c.mConsecFails.Set(0)
		c.mDegraded.Set(0)
		c.mDevices.Set(float64(len(snap.Devices)))
		c.mBatchChanges.Add(float64(len(batch)))
	}
	c.log.Debugf("cycle %d done: %d devices, %d changes", snap.Seq, len(snap.Devices), len(batch))
	return c.interval
}

func (c *Coordinator) publish(batch []Change) {
	if len(batch) == 0 {
		return
	}
	for _, sub := range c.subscribers {
		if err := sub.Apply(batch); err != nil {
			c.log.Errorf("subscriber failed, continuing: %s", err)
		}
	}
}

// pollEvents drains the remote event feed into the tracker. Failures
// here are logged only, the device cycle carries on.
func (c *Coordinator) pollEvents(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	events, cursor, err := c.gateway.GetEvents(callCtx, c.eventCursor)
	c.eventCursor = cursor
	if err != nil {
		c.log.Warnf("event fetch failed: %s", err)
		return
	}
	for _, ev := range events {
		c.tracker.Record(Event{
			At:       c.clk.Now(),
			DeviceID: ev.DeviceURL,
			Name:     ev.Name,
			Payload:  string(ev.Raw),
		})
		if c.mEventsSeen != nil {
			c.mEventsSeen.Inc()
		}
	}
}

// fail bumps the failure counter and returns the backoff delay,
// base * 2^min(failures, cap), clamped to the ceiling.
func (c *Coordinator) fail(err error) time.Duration {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	justDegraded := false
	if failures >= c.maxFailures && !c.degraded {
		c.degraded = true
		justDegraded = true
	}
	if c.authPending {
		c.state = StateAuthWait
	} else {
		c.state = StateBackoff
	}
	c.mu.Unlock()

	if justDegraded {
		mon.GlobalStatus.Update(mon.Warning, "poll loop degraded: "+err.Error())
		c.log.Errorf("degraded after %d consecutive failures, still retrying: %s", failures, err)
	}
	if c.mPolls != nil {
		c.mPolls.WithLabelValues("error").Inc()
		c.mConsecFails.Set(float64(failures))
		if justDegraded {
			c.mDegraded.Set(1)
		}
	}
	return c.backoffDelay(failures)
}

func (c *Coordinator) backoffDelay(failures int) time.Duration {
	exp := failures
	if exp > c.backoffCap {
		exp = c.backoffCap
	}
	delay := c.interval << uint(exp)
	if delay > c.maxBackoff || delay <= 0 {
		delay = c.maxBackoff
	}
	return delay
}

func (c *Coordinator) login(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.gateway.Login(callCtx)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) authRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authPending
}

func (c *Coordinator) setAuthPending(v bool) {
	c.mu.Lock()
	c.authPending = v
	c.mu.Unlock()
}
