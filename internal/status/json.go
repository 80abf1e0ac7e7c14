package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/appliance-sensor/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Available     bool           `json:"available"`
	Ready         bool           `json:"ready"`
	LastError     string         `json:"last_error,omitempty"`
	LastSuccess   string         `json:"last_success,omitempty"`
	Failures      int            `json:"consecutive_failures"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Appliance     *ApplianceJSON `json:"appliance,omitempty"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ApplianceJSON is the JSON representation of an appliance snapshot.
type ApplianceJSON struct {
	Name      string       `json:"name"`
	Timestamp string       `json:"timestamp"`
	State     string       `json:"state"`
	Running   bool         `json:"running"`
	PowerW    float64      `json:"power_w"`
	PowerKW   float64      `json:"power_kw"`
	StartTime string       `json:"start_time,omitempty"`
	EndTime   string       `json:"end_time,omitempty"`
	UseCount  int          `json:"use_count"`
	Cycle     int          `json:"cycle"`
	Energy    EnergyJSON   `json:"energy"`
	Cost      CostJSON     `json:"cost"`
	Duration  DurationJSON `json:"duration"`
	Service   ServiceJSON  `json:"service"`
}

// EnergyJSON holds energy accumulators in kWh.
type EnergyJSON struct {
	CycleKWh         float64 `json:"cycle_kwh"`
	PreviousCycleKWh float64 `json:"previous_cycle_kwh"`
	TotalKWh         float64 `json:"total_kwh"`
}

// CostJSON holds cost accumulators. Rate is null when no price was available.
type CostJSON struct {
	Rate          *float64 `json:"rate"`
	Cycle         float64  `json:"cycle"`
	PreviousCycle float64  `json:"previous_cycle"`
	Total         float64  `json:"total"`
}

// DurationJSON holds duration accumulators in whole seconds.
type DurationJSON struct {
	CycleSeconds     int64 `json:"cycle_seconds"`
	LastCycleSeconds int64 `json:"last_cycle_seconds"`
	TotalSeconds     int64 `json:"total_seconds"`
}

// ServiceJSON is the service reminder state.
type ServiceJSON struct {
	Status          string `json:"status"`
	RemainingCycles *int   `json:"remaining_cycles,omitempty"`
	Message         string `json:"message,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs          int64   `json:"poll_ms"`
	StartDebounceMs int64   `json:"start_debounce_ms"`
	StopDebounceMs  int64   `json:"stop_debounce_ms"`
	HeartbeatMs     int64   `json:"heartbeat_ms"`
	StartWatts      float64 `json:"start_watts"`
	StopWatts       float64 `json:"stop_watts"`
	PowerTopic      string  `json:"power_topic"`
	PriceTopic      string  `json:"price_topic,omitempty"`
	Broker          string  `json:"broker"`
	HTTPPort        string  `json:"http_port"`
}

func seconds(d time.Duration) int64 {
	return int64(d.Truncate(time.Second).Seconds())
}

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// BuildAppliance converts an appliance snapshot to its JSON form.
func BuildAppliance(snap logic.Snapshot) ApplianceJSON {
	a := ApplianceJSON{
		Name:      snap.Name,
		Timestamp: rfc3339(snap.Timestamp),
		State:     string(snap.State()),
		Running:   snap.Running,
		PowerW:    snap.Power,
		PowerKW:   snap.PowerKW,
		StartTime: rfc3339(snap.StartTime),
		EndTime:   rfc3339(snap.EndTime),
		UseCount:  snap.UseCount,
		Cycle:     snap.Cycle,
		Energy: EnergyJSON{
			CycleKWh:         snap.CycleEnergy,
			PreviousCycleKWh: snap.PreviousCycleEnergy,
			TotalKWh:         snap.TotalEnergy,
		},
		Cost: CostJSON{
			Cycle:         snap.CycleCost,
			PreviousCycle: snap.PreviousCycleCost,
			Total:         snap.TotalCost,
		},
		Duration: DurationJSON{
			CycleSeconds:     seconds(snap.CycleDuration),
			LastCycleSeconds: seconds(snap.LastCycleDuration),
			TotalSeconds:     seconds(snap.TotalDuration),
		},
		Service: ServiceJSON{
			Status:  string(snap.ServiceStatus),
			Message: snap.ServiceMessage,
		},
	}
	if snap.RateAvailable {
		rate := snap.Rate
		a.Cost.Rate = &rate
	}
	if snap.ServiceStatus != logic.ServiceDisabled {
		remaining := snap.RemainingCycles
		a.Service.RemainingCycles = &remaining
	}
	return a
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Available:     snap.Available,
		Ready:         snap.HasReading,
		LastError:     snap.LastError,
		LastSuccess:   rfc3339(snap.LastSuccess),
		Failures:      snap.Failures,
		UptimeSeconds: seconds(snap.Uptime()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			PollMs:          snap.Config.PollMs,
			StartDebounceMs: snap.Config.StartDebounceMs,
			StopDebounceMs:  snap.Config.StopDebounceMs,
			HeartbeatMs:     snap.Config.HeartbeatMs,
			StartWatts:      snap.Config.StartWatts,
			StopWatts:       snap.Config.StopWatts,
			PowerTopic:      snap.Config.PowerTopic,
			PriceTopic:      snap.Config.PriceTopic,
			Broker:          snap.Config.Broker,
			HTTPPort:        snap.Config.HTTPPort,
		},
	}
	if snap.HasReading {
		a := BuildAppliance(snap.Appliance)
		inner.Appliance = &a
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
