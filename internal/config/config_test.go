package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appliance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
appliance:
  name: Kitchen Dishwasher
  preset: dishwasher
  power_topic: shellies/dishwasher/relay/0/power
  price_topic: energy/tariff/current
  price_field: price
  start_debounce: 10s
  stop_debounce: 2m
  service_reminder_count: 40
daemon:
  broker: tcp://10.0.0.2:1883
  poll: 5s
  heartbeat: 1m
  http: ":9090"
  indicator_pin: 17
  indicator_active_low: true
  kafka_brokers: [kafka-1:9092, kafka-2:9092]
`)
	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Kitchen Dishwasher", f.Appliance.Name)
	assert.Equal(t, "dishwasher", f.Appliance.Preset)
	require.NotNil(t, f.Appliance.StartDebounce)
	assert.Equal(t, 10*time.Second, *f.Appliance.StartDebounce)
	require.NotNil(t, f.Appliance.StopDebounce)
	assert.Equal(t, 2*time.Minute, *f.Appliance.StopDebounce)

	assert.Equal(t, "tcp://10.0.0.2:1883", f.Daemon.Broker)
	assert.Equal(t, 5*time.Second, f.Daemon.Poll)
	assert.Equal(t, 17, f.Daemon.IndicatorPin)
	assert.True(t, f.Daemon.IndicatorActiveLow)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, f.Daemon.KafkaBrokers)

	r, err := f.Appliance.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 1200.0, r.StartWatts)
	assert.Equal(t, 100.0, r.StopWatts)
	assert.True(t, r.ServiceReminder)
	assert.Equal(t, 40, r.ServiceReminderCount)
	assert.Equal(t, filterMessage, r.ServiceReminderMessage)
	assert.True(t, r.CostTracking())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "appliance: [not: a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestResolveDefaults(t *testing.T) {
	r, err := Appliance{PowerTopic: "washer/power"}.Resolve()
	require.NoError(t, err)

	assert.Equal(t, DefaultName, r.Name)
	assert.Equal(t, DefaultStartWatts, r.StartWatts)
	assert.Equal(t, DefaultStopWatts, r.StopWatts)
	assert.Equal(t, DefaultDebounce, r.StartDebounce)
	assert.Equal(t, DefaultDebounce, r.StopDebounce)
	assert.False(t, r.ServiceReminder)
	assert.Equal(t, DefaultServiceCount, r.ServiceReminderCount)
	assert.Equal(t, DefaultServiceMessage, r.ServiceReminderMessage)
	assert.False(t, r.CostTracking())
}

func TestResolveExplicitFieldsOverridePreset(t *testing.T) {
	r, err := Appliance{
		Preset:               "Washing_Machine",
		PowerTopic:           "washer/power",
		StartWatts:           ptr(800.0),
		ServiceReminder:      ptr(false),
		ServiceReminderCount: ptr(5),
		FixedPrice:           ptr(0.28),
	}.Resolve()
	require.NoError(t, err)

	assert.Equal(t, 800.0, r.StartWatts)
	assert.Equal(t, 50.0, r.StopWatts)
	assert.False(t, r.ServiceReminder)
	assert.Equal(t, 5, r.ServiceReminderCount)
	assert.True(t, r.HasFixed)
	assert.Equal(t, 0.28, r.FixedPrice)
}

func TestResolveUnknownPreset(t *testing.T) {
	_, err := Appliance{Preset: "toaster", PowerTopic: "p"}.Resolve()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejections(t *testing.T) {
	base := func() Resolved {
		return Resolved{
			PowerTopic:           "p",
			StartWatts:           100,
			StopWatts:            50,
			ServiceReminderCount: 30,
		}
	}

	tests := []struct {
		name   string
		mutate func(r *Resolved)
	}{
		{"missing power topic", func(r *Resolved) { r.PowerTopic = " " }},
		{"zero start", func(r *Resolved) { r.StartWatts = 0 }},
		{"negative stop", func(r *Resolved) { r.StopWatts = -1 }},
		{"stop above start", func(r *Resolved) { r.StopWatts = 150 }},
		{"negative debounce", func(r *Resolved) { r.StopDebounce = -time.Second }},
		{"reminder without count", func(r *Resolved) {
			r.ServiceReminder = true
			r.ServiceReminderCount = 0
		}},
		{"negative fixed price", func(r *Resolved) {
			r.HasFixed = true
			r.FixedPrice = -0.1
		}},
		{"two price sources", func(r *Resolved) {
			r.HasFixed = true
			r.FixedPrice = 0.1
			r.PriceTopic = "price"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestValidateEqualThresholdsAllowed(t *testing.T) {
	r := Resolved{PowerTopic: "p", StartWatts: 10, StopWatts: 10}
	assert.NoError(t, r.Validate())
}

func TestSettings(t *testing.T) {
	r := Resolved{
		Name:                   "Dryer",
		PowerTopic:             "p",
		StartWatts:             3000,
		StopWatts:              100,
		StartDebounce:          time.Second,
		StopDebounce:           time.Minute,
		ServiceReminder:        true,
		ServiceReminderCount:   2,
		ServiceReminderMessage: "lint",
	}
	s := r.Settings()
	assert.Equal(t, "Dryer", s.Name)
	assert.Equal(t, 3000.0, s.Thresholds.StartWatts)
	assert.Equal(t, 100.0, s.Thresholds.StopWatts)
	assert.Equal(t, time.Minute, s.StopDebounce)
	assert.Equal(t, 2, s.ServiceCount)
	assert.Equal(t, "lint", s.ServiceMessage)
}

func TestDaemonWithDefaults(t *testing.T) {
	d := Daemon{}.WithDefaults()
	assert.Equal(t, DefaultBroker, d.Broker)
	assert.Equal(t, DefaultPoll, d.Poll)
	assert.Equal(t, DefaultHeartbeat, d.Heartbeat)
	assert.Equal(t, DefaultHTTPAddr, d.HTTPAddr)
	assert.Equal(t, DefaultKafkaTopic, d.KafkaTopic)

	d = Daemon{Broker: "tcp://b:1883", Poll: time.Second}.WithDefaults()
	assert.Equal(t, "tcp://b:1883", d.Broker)
	assert.Equal(t, time.Second, d.Poll)
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Washing Machine":        "washing_machine",
		"  Kitchen  Dishwasher ": "kitchen_dishwasher",
		"Dryer #2":               "dryer_2",
		"":                       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), "Slug(%q)", in)
	}
}

func TestPresetNamesSortedAndComplete(t *testing.T) {
	names := PresetNames()
	assert.Len(t, names, 12)
	assert.IsIncreasing(t, names)
	for _, n := range names {
		_, ok := LookupPreset(n)
		assert.True(t, ok, n)
	}
}
