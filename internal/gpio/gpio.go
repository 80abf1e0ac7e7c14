// Package gpio drives a running indicator (LED or relay) on a GPIO output.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"log"
	"sync"

	"github.com/sweeney/appliance-sensor/internal/logic"
)

// Indicator is a single on/off output.
type Indicator interface {
	// Set drives the output to the logical state on.
	Set(on bool) error

	// Close turns the output off and releases GPIO resources.
	Close() error
}

// Follow returns a coordinator listener that mirrors Snapshot.Running onto
// ind. The output is only written when the state changes; write errors are
// logged and retried on the next snapshot.
func Follow(ind Indicator) func(logic.Snapshot) {
	var (
		mu    sync.Mutex
		known bool
		last  bool
	)
	return func(snap logic.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if known && last == snap.Running {
			return
		}
		if err := ind.Set(snap.Running); err != nil {
			log.Printf("gpio: set indicator: %v", err)
			known = false
			return
		}
		known, last = true, snap.Running
	}
}
