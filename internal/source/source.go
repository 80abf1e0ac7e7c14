// Package source defines the numeric reading providers the coordinator consumes:
// the appliance power reading and the optional price per kWh.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrUnavailable means the source has no current value.
	ErrUnavailable = errors.New("source unavailable")
	// ErrInvalidReading means a value is present but is not a usable number.
	ErrInvalidReading = errors.New("invalid reading")
)

// Source yields the current numeric value of an external reading.
type Source interface {
	// Read returns the current value, or an error wrapping ErrUnavailable
	// or ErrInvalidReading. It must not block beyond ctx.
	Read(ctx context.Context) (float64, error)
}

// Notifier is implemented by sources that push change notifications.
// The channel has capacity 1; notifications coalesce.
type Notifier interface {
	Changes() <-chan struct{}
}

// ParseReading converts a raw state payload into a number. Plain numeric
// strings are accepted as-is. A JSON object payload is read from field.
func ParseReading(payload []byte, field string) (float64, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSONField(trimmed, field)
	}
	return parseState(string(trimmed))
}

func parseState(s string) (float64, error) {
	switch strings.ToLower(strings.Trim(s, `"`)) {
	case "", "unknown", "unavailable", "none", "null":
		return 0, ErrUnavailable
	}
	v, err := strconv.ParseFloat(strings.Trim(s, `"`), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReading, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReading, s)
	}
	return v, nil
}

func parseJSONField(payload []byte, field string) (float64, error) {
	if field == "" {
		return 0, fmt.Errorf("%w: JSON payload but no field configured", ErrInvalidReading)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	raw, ok := obj[field]
	if !ok {
		return 0, fmt.Errorf("%w: field %q missing", ErrUnavailable, field)
	}
	return parseState(string(raw))
}

// Fixed is a price source with a constant rate.
type Fixed struct {
	rate float64
}

// NewFixed creates a constant-rate source. Negative rates are rejected.
func NewFixed(rate float64) (*Fixed, error) {
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("fixed price: invalid rate %v", rate)
	}
	return &Fixed{rate: rate}, nil
}

// Read returns the configured rate.
func (f *Fixed) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.rate, nil
}
