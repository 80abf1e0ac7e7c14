package gpio

import "sync"

// FakeIndicator is a test double that records writes.
type FakeIndicator struct {
	mu sync.Mutex

	// Writes contains every value passed to Set, in order.
	Writes []bool

	// On is the current output state.
	On bool

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, will be returned by Set.
	SetError error
}

// NewFakeIndicator creates a FakeIndicator, initially off.
func NewFakeIndicator() *FakeIndicator {
	return &FakeIndicator{}
}

// Set records the write.
func (f *FakeIndicator) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.Writes = append(f.Writes, on)
	f.On = on
	return nil
}

// Close turns the fake off and marks it closed.
func (f *FakeIndicator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.On = false
	f.Closed = true
	return nil
}

// State returns the current output and the number of writes so far.
func (f *FakeIndicator) State() (on bool, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.On, len(f.Writes)
}
