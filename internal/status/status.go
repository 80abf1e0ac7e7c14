// Package status provides a thread-safe status tracker for the appliance-sensor daemon.
// It is read by the HTTP handlers and the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/appliance-sensor/internal/logic"
)

// NetworkInfo contains network state as reported by the host environment.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs          int64
	StartDebounceMs int64
	StopDebounceMs  int64
	HeartbeatMs     int64
	StartWatts      float64
	StopWatts       float64
	PowerTopic      string
	PriceTopic      string // empty when no price source or a fixed rate is used
	Broker          string
	HTTPPort        string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Appliance     logic.Snapshot
	HasReading    bool // false until the first successful update
	Available     bool
	LastError     string
	LastSuccess   time.Time
	Failures      int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the latest successful appliance snapshot.
// Called as a coordinator listener.
func (t *Tracker) Update(snap logic.Snapshot) {
	t.mu.Lock()
	t.snap.Appliance = snap
	t.snap.HasReading = true
	t.mu.Unlock()
}

// SetAvailability records the coordinator's availability.
func (t *Tracker) SetAvailability(available bool, lastErr error, lastSuccess time.Time, failures int) {
	t.mu.Lock()
	t.snap.Available = available
	t.snap.LastError = ""
	if lastErr != nil {
		t.snap.LastError = lastErr.Error()
	}
	t.snap.LastSuccess = lastSuccess
	t.snap.Failures = failures
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
