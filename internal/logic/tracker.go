package logic

import "time"

// Tracker follows the appliance through its cycles and accumulates usage.
// It is not safe for concurrent use; the caller serializes Process calls.
type Tracker struct {
	settings  Settings
	debouncer *Debouncer

	// Left edge of the next integration interval.
	last Reading

	startTime time.Time
	endTime   time.Time
	uses      int

	cycleEnergy float64
	prevEnergy  float64
	totalEnergy float64

	cycleCost float64
	prevCost  float64
	totalCost float64

	lastDuration  time.Duration
	totalDuration time.Duration

	discarded int
}

// NewTracker creates a Tracker in the idle state with all counters at zero.
func NewTracker(s Settings) *Tracker {
	return &Tracker{
		settings:  s,
		debouncer: NewDebouncer(s.StartDebounce, s.StopDebounce),
	}
}

// Process takes a new power reading and the price rate sampled for this
// update, and returns the resulting snapshot.
func (t *Tracker) Process(r Reading, rate float64, rateOK bool) Snapshot {
	wasRunning := t.debouncer.Stable()
	raw := Classify(r.Watts, wasRunning, t.settings.Thresholds)
	running, changed := t.debouncer.Step(raw, r.Time)

	// Integrate only intervals that began while running. This includes the
	// final interval ending at the stop reading.
	dropped := false
	if wasRunning {
		dropped = !t.accumulate(Integrate(t.last, r), rate, rateOK)
	}

	event := EventNone
	if changed {
		if running {
			t.startCycle(r.Time)
			event = EventCycleStart
		} else {
			t.endCycle(r.Time)
			event = EventCycleEnd
		}
	}

	t.last = r
	s := t.snapshot(r, running, event, rate, rateOK)
	s.Discarded = dropped
	return s
}

// accumulate adds one interval to the counters. It reports false when the
// interval was negative and dropped, since totals never decrease.
func (t *Tracker) accumulate(kwh, rate float64, rateOK bool) bool {
	if kwh < 0 {
		t.discarded++
		return false
	}
	if kwh == 0 {
		return true
	}
	t.cycleEnergy += kwh
	t.totalEnergy += kwh

	if cost := Accrue(kwh, rate, rateOK); cost > 0 {
		t.cycleCost += cost
		t.totalCost += cost
	}
	return true
}

func (t *Tracker) startCycle(now time.Time) {
	t.startTime = now
	t.endTime = time.Time{}
	t.cycleEnergy = 0
	t.cycleCost = 0
}

func (t *Tracker) endCycle(now time.Time) {
	t.endTime = now
	t.uses++
	t.prevEnergy = t.cycleEnergy
	t.prevCost = t.cycleCost
	t.lastDuration = now.Sub(t.startTime)
	t.totalDuration += t.lastDuration
}

func (t *Tracker) snapshot(r Reading, running bool, event EventType, rate float64, rateOK bool) Snapshot {
	s := Snapshot{
		Name:      t.settings.Name,
		Timestamp: r.Time,
		Power:     r.Watts,
		PowerKW:   r.Watts / 1000,
		Running:   running,
		Event:     event,

		StartTime: t.startTime,
		EndTime:   t.endTime,
		UseCount:  t.uses,

		CycleEnergy:         t.cycleEnergy,
		PreviousCycleEnergy: t.prevEnergy,
		TotalEnergy:         t.totalEnergy,

		RateAvailable:     rateOK,
		CycleCost:         t.cycleCost,
		PreviousCycleCost: t.prevCost,
		TotalCost:         t.totalCost,

		LastCycleDuration: t.lastDuration,
		TotalDuration:     t.totalDuration,

		ServiceStatus:   EvaluateService(t.settings.ServiceReminder, t.uses, t.settings.ServiceCount),
		RemainingCycles: RemainingCycles(t.uses, t.settings.ServiceCount),

		DiscardedIntervals: t.discarded,
	}
	if rateOK {
		s.Rate = rate
	}
	if running {
		s.Cycle = t.uses + 1
		s.CycleDuration = r.Time.Sub(t.startTime)
	}
	if s.ServiceStatus == ServiceDue {
		s.ServiceMessage = t.settings.ServiceMessage
	}
	return s
}

// Running returns the current debounced running state.
func (t *Tracker) Running() bool {
	return t.debouncer.Stable()
}

// UseCount returns the number of completed cycles.
func (t *Tracker) UseCount() int {
	return t.uses
}
