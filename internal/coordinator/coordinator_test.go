package coordinator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/appliance-sensor/internal/config"
	"github.com/sweeney/appliance-sensor/internal/logic"
	"github.com/sweeney/appliance-sensor/internal/source"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{now: t0, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// recorder is a listener that records snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []logic.Snapshot
}

func (r *recorder) listen(s logic.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func testConfig() config.Resolved {
	return config.Resolved{
		Name:                 "Washer",
		PowerTopic:           "washer/power",
		StartWatts:           100,
		StopWatts:            50,
		ServiceReminderCount: 30,
	}
}

func testOptions() Options {
	return Options{
		Tick:            make(chan time.Time),
		ReadTimeout:     time.Second,
		StartupAttempts: 3,
		StartupDelay:    time.Millisecond,
		Now:             newStepClock(time.Minute).Now,
	}
}

func newCoordinator(t *testing.T, power, price source.Source, opts Options) *Coordinator {
	t.Helper()
	c, err := New(testConfig(), power, price, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func unavailable() source.FakeValue {
	return source.FakeValue{Err: source.ErrUnavailable}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StopWatts = 200

	_, err := New(cfg, source.NewFakeSource(0), nil, Options{})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewRequiresPowerSource(t *testing.T) {
	_, err := New(testConfig(), nil, nil, Options{})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSetupInitialEvaluation(t *testing.T) {
	power := source.NewFakeSource(20)
	c := newCoordinator(t, power, nil, testOptions())
	rec := &recorder{}
	c.AddListener(rec.listen)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	snap, ok := c.Snapshot()
	if !ok {
		t.Fatal("expected snapshot after setup")
	}
	if snap.Power != 20 || snap.Running {
		t.Errorf("snapshot: power=%v running=%v, want 20 idle", snap.Power, snap.Running)
	}
	if rec.count() != 1 {
		t.Errorf("listener calls: got %d, want 1", rec.count())
	}
	if !c.Status().Available {
		t.Error("expected available")
	}
}

func TestSetupTwiceFails(t *testing.T) {
	c := newCoordinator(t, source.NewFakeSource(0), nil, testOptions())
	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := c.Setup(context.Background()); err == nil {
		t.Error("expected error on second Setup")
	}
}

func TestSetupRetriesThenUnavailable(t *testing.T) {
	power := source.NewFakeSource()
	power.Values = []source.FakeValue{unavailable()}
	var failures int
	opts := testOptions()
	opts.OnFailure = func(error) { failures++ }
	c := newCoordinator(t, power, nil, opts)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup should not fail on unavailable source: %v", err)
	}

	if got := power.ReadCount(); got != 3 {
		t.Errorf("reads: got %d, want 3", got)
	}
	if failures != 3 {
		t.Errorf("OnFailure calls: got %d, want 3", failures)
	}
	st := c.Status()
	if st.Available {
		t.Error("expected unavailable")
	}
	if st.Failures != 3 {
		t.Errorf("Failures: got %d, want 3", st.Failures)
	}
	if !errors.Is(st.LastError, ErrUpdateFailed) || !errors.Is(st.LastError, source.ErrUnavailable) {
		t.Errorf("LastError: got %v", st.LastError)
	}
	if _, ok := c.Snapshot(); ok {
		t.Error("expected no snapshot")
	}
}

func TestSetupSucceedsOnRetry(t *testing.T) {
	power := source.NewFakeSource()
	power.Values = []source.FakeValue{unavailable(), {Value: 5}}
	c := newCoordinator(t, power, nil, testOptions())

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := power.ReadCount(); got != 2 {
		t.Errorf("reads: got %d, want 2", got)
	}
	if !c.Status().Available {
		t.Error("expected available")
	}
}

func TestSetupContextCanceledDuringDelay(t *testing.T) {
	power := source.NewFakeSource()
	power.Values = []source.FakeValue{unavailable()}
	opts := testOptions()
	opts.StartupDelay = time.Hour
	c := newCoordinator(t, power, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Setup(ctx) }()

	waitFor(t, "first read", func() bool { return power.ReadCount() == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Setup: got %v, want context.Canceled", err)
	}
}

func TestRefreshFailureKeepsLastSnapshot(t *testing.T) {
	power := source.NewFakeSource(150)
	power.Push(unavailable())
	power.Push(source.FakeValue{Err: source.ErrInvalidReading})
	c := newCoordinator(t, power, nil, testOptions())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before, _ := c.Snapshot()

	for i := 0; i < 2; i++ {
		err := c.Refresh(context.Background())
		if !errors.Is(err, ErrUpdateFailed) {
			t.Fatalf("Refresh %d: expected ErrUpdateFailed, got %v", i, err)
		}
	}
	after, ok := c.Snapshot()
	if !ok {
		t.Fatal("expected snapshot to be retained")
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("snapshot changed after failed update:\nbefore: %+v\nafter:  %+v", before, after)
	}
	if st := c.Status(); st.Available || st.Failures != 2 {
		t.Errorf("status: %+v, want unavailable with 2 failures", st)
	}
}

func TestRefreshRecoveryResetsStatus(t *testing.T) {
	power := source.NewFakeSource()
	power.Values = []source.FakeValue{unavailable(), {Value: 10}}
	c := newCoordinator(t, power, nil, testOptions())

	c.Refresh(context.Background())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	st := c.Status()
	if !st.Available || st.Failures != 0 || st.LastError != nil {
		t.Errorf("status: %+v, want available with no failures", st)
	}
	if st.LastSuccess.IsZero() {
		t.Error("expected LastSuccess set")
	}
}

func TestRefreshSingleFlightCoalesces(t *testing.T) {
	block := make(chan struct{})
	power := source.NewFakeSource(10)
	power.SetBlock(block)
	c := newCoordinator(t, power, nil, testOptions())
	rec := &recorder{}
	c.AddListener(rec.listen)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	waitFor(t, "first read", func() bool { return power.ReadCount() == 1 })

	// Two triggers while the first evaluation is in flight.
	if err := c.Refresh(context.Background()); err != nil {
		t.Errorf("coalesced Refresh: %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Errorf("coalesced Refresh: %v", err)
	}
	if got := power.ReadCount(); got != 1 {
		t.Errorf("reads while in flight: got %d, want 1", got)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := power.ReadCount(); got != 2 {
		t.Errorf("reads: got %d, want 2 (one follow-up)", got)
	}
	if rec.count() != 2 {
		t.Errorf("listener calls: got %d, want 2", rec.count())
	}
}

func TestCycleThroughCoordinator(t *testing.T) {
	power := source.NewFakeSource(0, 2000, 2000, 2000, 0, 0)
	price, _ := source.NewFixed(0.5)
	c := newCoordinator(t, power, price, testOptions())

	var events []logic.EventType
	c.AddListener(func(s logic.Snapshot) {
		if s.Event != logic.EventNone {
			events = append(events, s.Event)
		}
	})

	for i := 0; i < 6; i++ {
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}

	if len(events) != 2 || events[0] != logic.EventCycleStart || events[1] != logic.EventCycleEnd {
		t.Fatalf("events: got %v, want [CYCLE_START CYCLE_END]", events)
	}
	snap, _ := c.Snapshot()
	if snap.UseCount != 1 {
		t.Errorf("UseCount: got %d, want 1", snap.UseCount)
	}
	// 1-minute samples: two full intervals at 2000 W, then the trapezoid down to 0.
	wantKWh := 2.0*2/60 + 2.0/2/60
	if diff := snap.PreviousCycleEnergy - wantKWh; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("PreviousCycleEnergy: got %v, want %v", snap.PreviousCycleEnergy, wantKWh)
	}
	if diff := snap.PreviousCycleCost - wantKWh*0.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("PreviousCycleCost: got %v, want %v", snap.PreviousCycleCost, wantKWh*0.5)
	}
	if snap.LastCycleDuration != 3*time.Minute {
		t.Errorf("LastCycleDuration: got %v, want 3m", snap.LastCycleDuration)
	}
}

func TestNoPriceSourceZeroCost(t *testing.T) {
	power := source.NewFakeSource(0, 500, 500, 0)
	c := newCoordinator(t, power, nil, testOptions())

	for i := 0; i < 4; i++ {
		c.Refresh(context.Background())
	}
	snap, _ := c.Snapshot()
	if snap.TotalEnergy <= 0 {
		t.Errorf("TotalEnergy: got %v, want > 0", snap.TotalEnergy)
	}
	if snap.TotalCost != 0 || snap.PreviousCycleCost != 0 || snap.CycleCost != 0 {
		t.Errorf("costs should be zero: %+v", snap)
	}
	if snap.RateAvailable {
		t.Error("RateAvailable should be false")
	}
}

func TestPriceFailureDegradesGracefully(t *testing.T) {
	power := source.NewFakeSource(500)
	price := source.NewFakeSource()
	price.Values = []source.FakeValue{{Err: source.ErrUnavailable}}
	c := newCoordinator(t, power, price, testOptions())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("price failure must not fail the update: %v", err)
	}
	snap, _ := c.Snapshot()
	if snap.RateAvailable {
		t.Error("RateAvailable should be false")
	}
	if !c.Status().Available {
		t.Error("expected available")
	}
}

func TestNegativePriceIgnored(t *testing.T) {
	price := source.NewFakeSource(-0.2)
	c := newCoordinator(t, source.NewFakeSource(500), price, testOptions())

	c.Refresh(context.Background())
	snap, _ := c.Snapshot()
	if snap.RateAvailable {
		t.Error("negative rate should be treated as unavailable")
	}
}

func TestListenersAddRemove(t *testing.T) {
	c := newCoordinator(t, source.NewFakeSource(1), nil, testOptions())
	a, b := &recorder{}, &recorder{}
	c.AddListener(a.listen)
	removeB := c.AddListener(b.listen)

	c.Refresh(context.Background())
	removeB()
	removeB() // second call is a no-op
	c.Refresh(context.Background())

	if a.count() != 2 {
		t.Errorf("listener a: got %d calls, want 2", a.count())
	}
	if b.count() != 1 {
		t.Errorf("listener b: got %d calls, want 1", b.count())
	}
}

func TestListenerCanReadSnapshot(t *testing.T) {
	c := newCoordinator(t, source.NewFakeSource(1), nil, testOptions())
	var got logic.Snapshot
	c.AddListener(func(s logic.Snapshot) {
		got, _ = c.Snapshot()
	})

	c.Refresh(context.Background())
	if got.Power != 1 {
		t.Errorf("snapshot from listener: power=%v, want 1", got.Power)
	}
}

func TestSchedulerTick(t *testing.T) {
	tick := make(chan time.Time)
	opts := testOptions()
	opts.Tick = tick
	power := source.NewFakeSource(1)
	c := newCoordinator(t, power, nil, opts)
	rec := &recorder{}
	c.AddListener(rec.listen)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	tick <- t0
	waitFor(t, "tick evaluation", func() bool { return rec.count() == 2 })
}

func TestSchedulerChangeNotification(t *testing.T) {
	power := source.NewFakeSource(1)
	c := newCoordinator(t, power, nil, testOptions())
	rec := &recorder{}
	c.AddListener(rec.listen)

	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	power.Push(source.FakeValue{Value: 300})
	waitFor(t, "notified evaluation", func() bool { return rec.count() == 2 })

	snap, _ := c.Snapshot()
	if snap.Power != 300 {
		t.Errorf("Power: got %v, want 300", snap.Power)
	}
}

func TestShutdownDiscardsInFlight(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	power := source.NewFakeSource(500)
	power.SetBlock(block)
	c := newCoordinator(t, power, nil, testOptions())
	rec := &recorder{}
	c.AddListener(rec.listen)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	waitFor(t, "read in flight", func() bool { return power.ReadCount() == 1 })

	c.Shutdown()

	if err := <-done; err == nil {
		t.Error("expected in-flight Refresh to fail after Shutdown")
	}
	if rec.count() != 0 {
		t.Errorf("listener calls after shutdown: got %d, want 0", rec.count())
	}
	if _, ok := c.Snapshot(); ok {
		t.Error("no snapshot should be published")
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Shutdown: got %v, want ErrClosed", err)
	}
}

func TestShutdownIdempotentAndStopsScheduler(t *testing.T) {
	power := source.NewFakeSource(1)
	c := newCoordinator(t, power, nil, testOptions())
	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	c.Shutdown()
	c.Shutdown()

	reads := power.ReadCount()
	power.Notify()
	time.Sleep(20 * time.Millisecond)
	if power.ReadCount() != reads {
		t.Error("scheduler should not evaluate after Shutdown")
	}

	rec := &recorder{}
	c.AddListener(rec.listen)
	if c.Status().Available {
		t.Error("expected unavailable after Shutdown")
	}
}
