package logic

import "time"

// Classify reports whether the appliance should be considered running for the
// given power reading. A stopped appliance starts above StartWatts; a running
// appliance keeps running while above StopWatts. With StartWatts == StopWatts
// this is a plain threshold comparison.
func Classify(power float64, running bool, t Thresholds) bool {
	if running {
		return power > t.StopWatts
	}
	return power > t.StartWatts
}

// Debouncer confirms a change of the running state only once the opposite
// condition has held for the debounce duration of that direction.
type Debouncer struct {
	startDebounce time.Duration
	stopDebounce  time.Duration

	// Current stable (debounced) state.
	stable bool
	// Whether a transition away from stable is being observed.
	pending bool
	// Time when the pending condition was first observed.
	pendingSince time.Time
}

// NewDebouncer creates a Debouncer in the not-running state.
func NewDebouncer(startDebounce, stopDebounce time.Duration) *Debouncer {
	return &Debouncer{
		startDebounce: startDebounce,
		stopDebounce:  stopDebounce,
	}
}

// Step feeds one raw classification sampled at now. It returns the stable
// state and whether this sample confirmed a transition.
func (d *Debouncer) Step(raw bool, now time.Time) (stable bool, changed bool) {
	if raw == d.stable {
		// Back on the stable side, the pending change was noise.
		d.pending = false
		return d.stable, false
	}

	if !d.pending {
		d.pending = true
		d.pendingSince = now
	}

	wait := d.startDebounce
	if d.stable {
		wait = d.stopDebounce
	}
	if now.Sub(d.pendingSince) < wait {
		return d.stable, false
	}

	d.stable = raw
	d.pending = false
	return d.stable, true
}

// Stable returns the current debounced state.
func (d *Debouncer) Stable() bool {
	return d.stable
}

// Pending reports whether a transition is awaiting confirmation, and since when.
func (d *Debouncer) Pending() (bool, time.Time) {
	return d.pending, d.pendingSince
}
