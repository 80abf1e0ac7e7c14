package source

import (
	"context"
	"errors"
	"sync"
)

// FakeSource is a test double that returns scripted values.
type FakeSource struct {
	mu sync.Mutex

	// Values contains scripted results. Each call to Read consumes the next
	// one; once exhausted the last one repeats.
	Values []FakeValue
	next   int

	// Reads counts calls to Read.
	Reads int

	// Block, if set, makes Read wait until it is closed or ctx is done.
	Block chan struct{}

	changes chan struct{}
}

// FakeValue is one scripted Read result.
type FakeValue struct {
	Value float64
	Err   error
}

// NewFakeSource creates a FakeSource returning the given values in order.
func NewFakeSource(values ...float64) *FakeSource {
	f := &FakeSource{changes: make(chan struct{}, 1)}
	for _, v := range values {
		f.Values = append(f.Values, FakeValue{Value: v})
	}
	return f
}

// Read returns the next scripted value.
func (f *FakeSource) Read(ctx context.Context) (float64, error) {
	f.mu.Lock()
	f.Reads++
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Values) == 0 {
		return 0, errors.New("no values configured")
	}
	v := f.Values[len(f.Values)-1]
	if f.next < len(f.Values) {
		v = f.Values[f.next]
		f.next++
	}
	return v.Value, v.Err
}

// Push appends a value and sends a change notification. The value is
// served once all earlier values have been read.
func (f *FakeSource) Push(v FakeValue) {
	f.mu.Lock()
	f.Values = append(f.Values, v)
	f.mu.Unlock()
	f.Notify()
}

// Notify sends a change notification without altering values.
func (f *FakeSource) Notify() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

// Changes implements Notifier.
func (f *FakeSource) Changes() <-chan struct{} {
	return f.changes
}

// ReadCount returns the number of Read calls so far.
func (f *FakeSource) ReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reads
}

// SetBlock replaces the blocking channel.
func (f *FakeSource) SetBlock(ch chan struct{}) {
	f.mu.Lock()
	f.Block = ch
	f.mu.Unlock()
}
