package config

import (
	"sort"
	"strings"
)

// PresetDefault is applied when no preset is named.
const PresetDefault = "default"

// Preset holds typical thresholds and service intervals for an appliance kind.
type Preset struct {
	StartWatts             float64
	StopWatts              float64
	ServiceReminder        bool
	ServiceReminderCount   int
	ServiceReminderMessage string
}

const filterMessage = "Time to clean the filter and check for debris"

var presets = map[string]Preset{
	"dishwasher":      {1200, 100, true, 30, filterMessage},
	"washing machine": {500, 50, true, 30, filterMessage},
	"dryer":           {3000, 100, true, 2, "Time to clean the lint trap"},
	"refrigerator":    {150, 50, true, 90, "Time to clean the coils and check seals"},
	"freezer":         {150, 50, true, 90, "Time to defrost and clean"},
	"oven":            {2400, 100, true, 20, "Time to clean the oven"},
	"microwave":       {1000, 50, true, 50, "Time to clean the microwave"},
	"air conditioner": {1500, 100, true, 90, "Time to clean the filter and check refrigerant"},
	"heater":          {1500, 100, true, 90, filterMessage},
	"heat pump":       {1500, 100, true, 90, "Time to clean the filter and check refrigerant"},
	"water heater":    {4500, 100, true, 180, "Time to flush the tank and check anode rod"},
	PresetDefault:     {DefaultStartWatts, DefaultStopWatts, false, DefaultServiceCount, DefaultServiceMessage},
}

// LookupPreset finds a preset by name. Matching ignores case, and
// underscores or dashes match spaces ("washing_machine").
func LookupPreset(name string) (Preset, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	p, ok := presets[key]
	return p, ok
}

// PresetNames returns all preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
