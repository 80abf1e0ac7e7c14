// Package logic contains the pure cycle detection and usage accounting for an appliance.
// This package has NO external dependencies (no MQTT, GPIO, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// State represents whether the appliance is considered to be running.
type State string

const (
	StateIdle   State = "IDLE"
	StateActive State = "ACTIVE"
)

// EventType names a cycle transition observed on an update.
type EventType string

const (
	EventNone       EventType = ""
	EventCycleStart EventType = "CYCLE_START"
	EventCycleEnd   EventType = "CYCLE_END"
)

// ServiceStatus is the service reminder state derived from the use counter.
type ServiceStatus string

const (
	ServiceOK       ServiceStatus = "ok"
	ServiceDue      ServiceStatus = "needs_service"
	ServiceDisabled ServiceStatus = "disabled"
)

// Thresholds are the hysteresis levels for the classifier, in watts.
type Thresholds struct {
	StartWatts float64
	StopWatts  float64
}

// Reading is a single power sample.
type Reading struct {
	Watts float64
	Time  time.Time
}

// Settings configure a Tracker.
type Settings struct {
	Name          string
	Thresholds    Thresholds
	StartDebounce time.Duration
	StopDebounce  time.Duration

	ServiceReminder bool
	ServiceCount    int
	ServiceMessage  string
}

// Snapshot is the result of one update. It is a value type and is never
// mutated after being returned.
type Snapshot struct {
	Name      string
	Timestamp time.Time
	Power     float64 // watts
	PowerKW   float64
	Running   bool
	Event     EventType // transition that happened on this update, if any

	StartTime time.Time // zero if no cycle has started
	EndTime   time.Time // zero while running or before the first cycle ends

	UseCount int
	Cycle    int // number of the running cycle, 0 when idle

	CycleEnergy         float64 // kWh
	PreviousCycleEnergy float64
	TotalEnergy         float64

	RateAvailable     bool
	Rate              float64 // currency per kWh used on this update
	CycleCost         float64
	PreviousCycleCost float64
	TotalCost         float64

	CycleDuration     time.Duration
	LastCycleDuration time.Duration
	TotalDuration     time.Duration

	ServiceStatus   ServiceStatus
	ServiceMessage  string
	RemainingCycles int

	// DiscardedIntervals counts integration intervals dropped because they
	// came out negative. Discarded is set on the update that dropped one.
	DiscardedIntervals int
	Discarded          bool
}

// State returns the snapshot's running state.
func (s Snapshot) State() State {
	if s.Running {
		return StateActive
	}
	return StateIdle
}
