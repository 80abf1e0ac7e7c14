package logic

// Integrate returns the energy in kWh between two readings using the
// trapezoidal rule. A zero-valued prev (no baseline yet) yields 0.
// Negative readings are not clamped.
func Integrate(prev, cur Reading) float64 {
	if prev.Time.IsZero() {
		return 0
	}
	hours := cur.Time.Sub(prev.Time).Hours()
	if hours <= 0 {
		return 0
	}
	return (prev.Watts + cur.Watts) * hours / 2 / 1000
}

// Accrue returns the cost of kwh at rate. Without a rate the cost is 0.
func Accrue(kwh, rate float64, ok bool) float64 {
	if !ok {
		return 0
	}
	return kwh * rate
}

// EvaluateService derives the service reminder status from the use counter.
func EvaluateService(enabled bool, uses, threshold int) ServiceStatus {
	if !enabled {
		return ServiceDisabled
	}
	if uses >= threshold {
		return ServiceDue
	}
	return ServiceOK
}

// RemainingCycles returns how many more cycles may complete before service
// is due, never less than 0.
func RemainingCycles(uses, threshold int) int {
	if uses >= threshold {
		return 0
	}
	return threshold - uses
}
