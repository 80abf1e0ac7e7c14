// Package mqtt provides MQTT publishing and subscription with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/appliance-sensor/internal/logic"
	"github.com/sweeney/appliance-sensor/internal/status"
)

// TopicPrefix is the root of all topics published by the daemon.
const TopicPrefix = "appliance"

// Topics are the per-appliance topics.
type Topics struct {
	// State carries the latest snapshot, retained.
	State string
	// Events carries CYCLE_START / CYCLE_END transitions.
	Events string
	// System carries lifecycle events (STARTUP, SHUTDOWN, HEARTBEAT, ...).
	System string
}

// NewTopics returns the topics for an appliance slug.
func NewTopics(slug string) Topics {
	base := TopicPrefix + "/" + slug
	return Topics{
		State:  base + "/state",
		Events: base + "/events",
		System: base + "/system",
	}
}

// Publisher publishes appliance data to MQTT.
type Publisher interface {
	// PublishState sends the latest snapshot (retained).
	// Returns error if publishing fails (should not crash the process).
	PublishState(snap logic.Snapshot) error

	// PublishCycle sends a cycle transition event.
	PublishCycle(snap logic.Snapshot) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "UNAVAILABLE"
	Reason     string // e.g., "SIGTERM", or the read error for UNAVAILABLE
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// StatePayload is the MQTT message payload for the state topic.
type StatePayload struct {
	Appliance status.ApplianceJSON `json:"appliance"`
}

// FormatState creates the JSON payload for a snapshot.
func FormatState(snap logic.Snapshot) ([]byte, error) {
	return json.Marshal(StatePayload{Appliance: status.BuildAppliance(snap)})
}

// CyclePayload is the MQTT message payload for a cycle transition.
type CyclePayload struct {
	Cycle CycleInner `json:"cycle"`
}

// CycleInner contains the cycle transition details.
type CycleInner struct {
	Timestamp       string  `json:"timestamp"`
	Event           string  `json:"event"`
	Name            string  `json:"name"`
	UseCount        int     `json:"use_count"`
	StartTime       string  `json:"start_time,omitempty"`
	EndTime         string  `json:"end_time,omitempty"`
	DurationSeconds int64   `json:"duration_seconds,omitempty"`
	EnergyKWh       float64 `json:"energy_kwh"`
	Cost            float64 `json:"cost"`
	ServiceStatus   string  `json:"service_status"`
}

// FormatCycle creates the JSON payload for a cycle transition.
// For CYCLE_END the energy, cost and duration are those of the completed cycle.
func FormatCycle(snap logic.Snapshot) ([]byte, error) {
	inner := CycleInner{
		Timestamp:     snap.Timestamp.UTC().Format(time.RFC3339),
		Event:         string(snap.Event),
		Name:          snap.Name,
		UseCount:      snap.UseCount,
		StartTime:     formatTime(snap.StartTime),
		ServiceStatus: string(snap.ServiceStatus),
	}
	if snap.Event == logic.EventCycleEnd {
		inner.EndTime = formatTime(snap.EndTime)
		inner.DurationSeconds = int64(snap.LastCycleDuration.Truncate(time.Second).Seconds())
		inner.EnergyKWh = snap.PreviousCycleEnergy
		inner.Cost = snap.PreviousCycleCost
	}
	return json.Marshal(CyclePayload{Cycle: inner})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, UNAVAILABLE) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
