// Package coordinator drives the appliance tracker: it reads the power and
// price sources on a schedule or on change notifications, runs one evaluation
// at a time, and publishes each resulting snapshot to registered listeners.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/sweeney/appliance-sensor/internal/config"
	"github.com/sweeney/appliance-sensor/internal/logic"
	"github.com/sweeney/appliance-sensor/internal/source"
)

var (
	// ErrUpdateFailed wraps any per-update failure. The last good snapshot is kept.
	ErrUpdateFailed = errors.New("update failed")
	// ErrClosed is returned by operations on a coordinator that has been shut down.
	ErrClosed = errors.New("coordinator closed")
)

// Defaults applied to zero Options fields.
const (
	DefaultInterval        = 10 * time.Second
	DefaultReadTimeout     = 5 * time.Second
	DefaultStartupAttempts = 3
	DefaultStartupDelay    = 2 * time.Second
)

// Listener receives each successfully evaluated snapshot. Listeners run
// synchronously on the evaluating goroutine and must not call Shutdown.
type Listener func(logic.Snapshot)

// Options tune scheduling and retries.
type Options struct {
	// Interval is the polling period used when Tick is nil.
	Interval time.Duration
	// Tick, if set, replaces the internal ticker.
	Tick <-chan time.Time
	// ReadTimeout bounds each source read.
	ReadTimeout time.Duration
	// StartupAttempts is how many times Setup tries the first evaluation.
	StartupAttempts int
	// StartupDelay is the fixed wait between startup attempts.
	StartupDelay time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// OnFailure is called after each failed update.
	OnFailure func(error)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.StartupAttempts <= 0 {
		o.StartupAttempts = DefaultStartupAttempts
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Status describes the health of the most recent updates.
type Status struct {
	Available   bool
	LastError   error
	LastSuccess time.Time
	Failures    int // consecutive failed updates
}

// Coordinator owns one appliance's tracker.
type Coordinator struct {
	name  string
	power source.Source
	price source.Source // nil when cost tracking is off
	opts  Options

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	// commitMu serializes applying a result and notifying listeners with
	// Shutdown, so nothing is published once Shutdown returns.
	commitMu sync.Mutex
	tracker  *logic.Tracker

	mu        sync.Mutex
	started   bool
	inFlight  bool
	pending   bool
	snap      logic.Snapshot
	hasSnap   bool
	status    Status
	listeners map[int]Listener
	nextID    int

	shutdownOnce sync.Once
}

// New validates cfg and creates a coordinator. price may be nil.
// Configuration errors wrap config.ErrInvalidConfig.
func New(cfg config.Resolved, power, price source.Source, opts Options) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if power == nil {
		return nil, fmt.Errorf("%w: power source is required", config.ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		name:      cfg.Name,
		power:     power,
		price:     price,
		opts:      opts.withDefaults(),
		runCtx:    ctx,
		stop:      cancel,
		tracker:   logic.NewTracker(cfg.Settings()),
		listeners: make(map[int]Listener),
	}, nil
}

// Setup performs the initial evaluation, retrying a bounded number of times,
// then starts the scheduler. If every attempt fails the coordinator is left
// unavailable and scheduling still starts; the next trigger retries.
func (c *Coordinator) Setup(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already set up")
	}
	c.started = true
	c.mu.Unlock()

	n := c.opts.StartupAttempts
	var err error
	for attempt := 1; attempt <= n; attempt++ {
		if err = c.Refresh(ctx); err == nil || errors.Is(err, ErrClosed) {
			break
		}
		log.Printf("coordinator: %s: initial update %d/%d failed: %v", c.name, attempt, n, err)
		if attempt == n {
			break
		}
		t := time.NewTimer(c.opts.StartupDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.runCtx.Done():
			t.Stop()
			return ErrClosed
		}
	}
	if errors.Is(err, ErrClosed) {
		return err
	}
	if err != nil {
		log.Printf("coordinator: %s: unavailable after %d attempts", c.name, n)
	}

	c.wg.Add(1)
	go c.schedule()
	return nil
}

func (c *Coordinator) schedule() {
	defer c.wg.Done()

	tick := c.opts.Tick
	if tick == nil {
		t := time.NewTicker(c.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	var changes <-chan struct{}
	if n, ok := c.power.(source.Notifier); ok {
		changes = n.Changes()
	}

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-tick:
		case <-changes:
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			// Failures are recorded and logged by the update itself.
			_ = c.Refresh(c.runCtx)
		}()
	}
}

// Refresh runs an evaluation now. If one is already running, the request is
// coalesced into a single follow-up evaluation and Refresh returns nil
// immediately. Otherwise it returns the result of the last evaluation it ran.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.inFlight {
		c.pending = true
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	for {
		err := c.evaluate(ctx)

		c.mu.Lock()
		if !c.pending || c.runCtx.Err() != nil {
			c.inFlight = false
			c.pending = false
			c.mu.Unlock()
			return err
		}
		c.pending = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) evaluate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()
	stop := context.AfterFunc(c.runCtx, cancel)
	defer stop()

	watts, err := c.power.Read(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("%w: power: %w", ErrUpdateFailed, err))
	}
	rate, rateOK := c.readPrice(ctx)
	now := c.opts.Now()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if c.runCtx.Err() != nil {
		return ErrClosed
	}

	snap := c.tracker.Process(logic.Reading{Watts: watts, Time: now}, rate, rateOK)
	if snap.Discarded {
		log.Printf("coordinator: %s: discarded negative energy interval at %.1f W (%d so far)",
			c.name, snap.Power, snap.DiscardedIntervals)
	}
	switch snap.Event {
	case logic.EventCycleStart:
		log.Printf("coordinator: %s: cycle %d started (%.1f W)", c.name, snap.Cycle, snap.Power)
	case logic.EventCycleEnd:
		log.Printf("coordinator: %s: cycle ended after %s, %.3f kWh", c.name,
			snap.LastCycleDuration.Truncate(time.Second), snap.PreviousCycleEnergy)
	}

	c.mu.Lock()
	if !c.status.Available && c.status.Failures > 0 {
		log.Printf("coordinator: %s: available again after %d failed updates", c.name, c.status.Failures)
	}
	c.snap = snap
	c.hasSnap = true
	c.status = Status{Available: true, LastSuccess: now}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	return nil
}

// readPrice samples the price source. Any failure, or a negative or
// non-finite rate, means no rate for this update.
func (c *Coordinator) readPrice(ctx context.Context) (float64, bool) {
	if c.price == nil {
		return 0, false
	}
	rate, err := c.price.Read(ctx)
	if err != nil {
		log.Printf("coordinator: %s: price unavailable: %v", c.name, err)
		return 0, false
	}
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		log.Printf("coordinator: %s: ignoring invalid price %v", c.name, rate)
		return 0, false
	}
	return rate, true
}

func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	if c.runCtx.Err() != nil {
		c.mu.Unlock()
		return err
	}
	c.status.Available = false
	c.status.LastError = err
	c.status.Failures++
	failures := c.status.Failures
	c.mu.Unlock()

	if failures == 1 {
		log.Printf("coordinator: %s: %v", c.name, err)
	}
	if c.opts.OnFailure != nil {
		c.opts.OnFailure(err)
	}
	return err
}

// AddListener registers fn and returns a function that removes it.
// Listeners added after Shutdown are never called.
func (c *Coordinator) AddListener(fn Listener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Snapshot returns the last successfully evaluated snapshot. ok is false
// until the first successful update.
func (c *Coordinator) Snapshot() (snap logic.Snapshot, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.hasSnap
}

// Status returns the current update health.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Shutdown stops scheduling, cancels any in-flight reads and discards their
// results, and releases listeners and accumulator state. It is idempotent.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.stop()

		c.commitMu.Lock()
		c.tracker = nil
		c.commitMu.Unlock()

		c.mu.Lock()
		c.listeners = nil
		c.pending = false
		c.status.Available = false
		c.mu.Unlock()

		c.wg.Wait()
	})
}
