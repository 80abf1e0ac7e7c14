// Package config loads and validates the appliance and daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/appliance-sensor/internal/logic"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults for fields left unset and not supplied by a preset.
const (
	DefaultStartWatts     = 5.0
	DefaultStopWatts      = 2.0
	DefaultDebounce       = 5 * time.Second
	DefaultServiceCount   = 30
	DefaultServiceMessage = "Time for maintenance"
	DefaultName           = "Smart Dumb Appliance"
)

// Daemon defaults.
const (
	DefaultBroker     = "tcp://localhost:1883"
	DefaultPoll       = 10 * time.Second
	DefaultHeartbeat  = 15 * time.Minute
	DefaultHTTPAddr   = ":8080"
	DefaultKafkaTopic = "appliance.cycles"
)

// File is the on-disk YAML layout.
type File struct {
	Appliance Appliance `yaml:"appliance"`
	Daemon    Daemon    `yaml:"daemon"`
}

// Appliance configures one monitored appliance.
type Appliance struct {
	Name   string `yaml:"name"`
	Preset string `yaml:"preset"`

	// PowerTopic is the MQTT topic carrying the power reading in watts.
	PowerTopic string `yaml:"power_topic"`
	// PowerField selects a numeric field when the payload is a JSON object.
	PowerField string `yaml:"power_field"`

	// PriceTopic carries the price per kWh. Empty disables it.
	PriceTopic string `yaml:"price_topic"`
	PriceField string `yaml:"price_field"`
	// FixedPrice is a constant price per kWh, used when no price topic is set.
	FixedPrice *float64 `yaml:"fixed_price"`

	StartWatts    *float64       `yaml:"start_watts"`
	StopWatts     *float64       `yaml:"stop_watts"`
	StartDebounce *time.Duration `yaml:"start_debounce"`
	StopDebounce  *time.Duration `yaml:"stop_debounce"`

	ServiceReminder        *bool  `yaml:"service_reminder"`
	ServiceReminderCount   *int   `yaml:"service_reminder_count"`
	ServiceReminderMessage string `yaml:"service_reminder_message"`
}

// Daemon configures the process around the appliance.
type Daemon struct {
	Broker             string        `yaml:"broker"`
	ClientID           string        `yaml:"client_id"`
	Poll               time.Duration `yaml:"poll"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	HTTPAddr           string        `yaml:"http"`
	IndicatorPin       int           `yaml:"indicator_pin"` // 0 disables the LED
	IndicatorActiveLow bool          `yaml:"indicator_active_low"`
	KafkaBrokers       []string      `yaml:"kafka_brokers"` // empty disables the cycle log
	KafkaTopic         string        `yaml:"kafka_topic"`
}

// Load reads a YAML config file. Fields that are not present keep their
// zero value; call Resolve to apply presets and defaults.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// WithDefaults fills unset daemon settings.
func (d Daemon) WithDefaults() Daemon {
	if d.Broker == "" {
		d.Broker = DefaultBroker
	}
	if d.Poll == 0 {
		d.Poll = DefaultPoll
	}
	if d.Heartbeat == 0 {
		d.Heartbeat = DefaultHeartbeat
	}
	if d.HTTPAddr == "" {
		d.HTTPAddr = DefaultHTTPAddr
	}
	if d.KafkaTopic == "" {
		d.KafkaTopic = DefaultKafkaTopic
	}
	return d
}

// Resolved is an Appliance with preset and defaults applied.
type Resolved struct {
	Name       string
	PowerTopic string
	PowerField string
	PriceTopic string
	PriceField string
	FixedPrice float64
	HasFixed   bool

	StartWatts    float64
	StopWatts     float64
	StartDebounce time.Duration
	StopDebounce  time.Duration

	ServiceReminder        bool
	ServiceReminderCount   int
	ServiceReminderMessage string
}

// Resolve applies the named preset (if any) and defaults, then validates.
func (a Appliance) Resolve() (Resolved, error) {
	presetName := a.Preset
	if presetName == "" {
		presetName = PresetDefault
	}
	p, ok := LookupPreset(presetName)
	if !ok {
		return Resolved{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, a.Preset)
	}

	r := Resolved{
		Name:                   a.Name,
		PowerTopic:             a.PowerTopic,
		PowerField:             a.PowerField,
		PriceTopic:             a.PriceTopic,
		PriceField:             a.PriceField,
		StartWatts:             p.StartWatts,
		StopWatts:              p.StopWatts,
		StartDebounce:          DefaultDebounce,
		StopDebounce:           DefaultDebounce,
		ServiceReminder:        p.ServiceReminder,
		ServiceReminderCount:   p.ServiceReminderCount,
		ServiceReminderMessage: p.ServiceReminderMessage,
	}
	if r.Name == "" {
		r.Name = DefaultName
	}
	if a.FixedPrice != nil {
		r.FixedPrice = *a.FixedPrice
		r.HasFixed = true
	}
	if a.StartWatts != nil {
		r.StartWatts = *a.StartWatts
	}
	if a.StopWatts != nil {
		r.StopWatts = *a.StopWatts
	}
	if a.StartDebounce != nil {
		r.StartDebounce = *a.StartDebounce
	}
	if a.StopDebounce != nil {
		r.StopDebounce = *a.StopDebounce
	}
	if a.ServiceReminder != nil {
		r.ServiceReminder = *a.ServiceReminder
	}
	if a.ServiceReminderCount != nil {
		r.ServiceReminderCount = *a.ServiceReminderCount
	}
	if a.ServiceReminderMessage != "" {
		r.ServiceReminderMessage = a.ServiceReminderMessage
	}

	if err := r.Validate(); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

// Validate checks the configuration invariants. Every error wraps ErrInvalidConfig.
func (r Resolved) Validate() error {
	var problems []string
	if strings.TrimSpace(r.PowerTopic) == "" {
		problems = append(problems, "power topic is required")
	}
	if r.StartWatts <= 0 {
		problems = append(problems, fmt.Sprintf("start_watts must be > 0 (got %v)", r.StartWatts))
	}
	if r.StopWatts <= 0 {
		problems = append(problems, fmt.Sprintf("stop_watts must be > 0 (got %v)", r.StopWatts))
	}
	if r.StopWatts > r.StartWatts {
		problems = append(problems, fmt.Sprintf("stop_watts (%v) must not exceed start_watts (%v)", r.StopWatts, r.StartWatts))
	}
	if r.StartDebounce < 0 || r.StopDebounce < 0 {
		problems = append(problems, "debounce must not be negative")
	}
	if r.ServiceReminder && r.ServiceReminderCount < 1 {
		problems = append(problems, fmt.Sprintf("service_reminder_count must be >= 1 (got %d)", r.ServiceReminderCount))
	}
	if r.HasFixed && r.FixedPrice < 0 {
		problems = append(problems, fmt.Sprintf("fixed_price must not be negative (got %v)", r.FixedPrice))
	}
	if r.HasFixed && r.PriceTopic != "" {
		problems = append(problems, "price_topic and fixed_price are mutually exclusive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// CostTracking reports whether a price source is configured.
func (r Resolved) CostTracking() bool {
	return r.PriceTopic != "" || r.HasFixed
}

// Settings converts the configuration into tracker settings.
func (r Resolved) Settings() logic.Settings {
	return logic.Settings{
		Name: r.Name,
		Thresholds: logic.Thresholds{
			StartWatts: r.StartWatts,
			StopWatts:  r.StopWatts,
		},
		StartDebounce:   r.StartDebounce,
		StopDebounce:    r.StopDebounce,
		ServiceReminder: r.ServiceReminder,
		ServiceCount:    r.ServiceReminderCount,
		ServiceMessage:  r.ServiceReminderMessage,
	}
}

// Slug returns a topic-safe lowercase form of the appliance name.
func Slug(name string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case !lastSep:
			b.WriteByte('_')
			lastSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
