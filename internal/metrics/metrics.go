// Package metrics exposes appliance state and daemon health as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sweeney/appliance-sensor/internal/logic"
)

const (
	metricPrefix = "appliance_"

	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds the collectors for one appliance. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	power           prometheus.Gauge
	running         prometheus.Gauge
	up              prometheus.Gauge
	useCount        prometheus.Gauge
	serviceDue      prometheus.Gauge
	cycleEnergy     prometheus.Gauge
	totalEnergy     prometheus.Gauge
	cycleCost       prometheus.Gauge
	totalCost       prometheus.Gauge
	updates         *prometheus.CounterVec
	cyclesCompleted prometheus.Counter
	cycleDuration   prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on reg, labelled with the
// appliance name. reg is usually a *prometheus.Registry, which also serves
// as the gatherer for Handler.
func New(reg prometheus.Registerer, appliance string) *Metrics {
	labels := prometheus.Labels{"appliance": appliance}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricPrefix + name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		power:       gauge("power_watts", "Last power reading in watts"),
		running:     gauge("running", "1 while a cycle is running"),
		up:          gauge("up", "1 if the last update succeeded"),
		useCount:    gauge("use_count", "Completed cycles since start"),
		serviceDue:  gauge("service_due", "1 when the service reminder is due"),
		cycleEnergy: gauge("cycle_energy_kwh", "Energy of the running cycle in kWh"),
		totalEnergy: gauge("energy_kwh", "Energy used while running since start in kWh"),
		cycleCost:   gauge("cycle_cost", "Cost of the running cycle"),
		totalCost:   gauge("cost", "Cost accrued since start"),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        metricPrefix + "updates_total",
				Help:        "Total updates by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricPrefix + "cycles_completed_total",
			Help:        "Total completed cycles",
			ConstLabels: labels,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        metricPrefix + "cycle_duration_seconds",
			Help:        "Duration of completed cycles in seconds",
			ConstLabels: labels,
			Buckets:     []float64{60, 300, 900, 1800, 3600, 5400, 7200, 10800, 14400},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.power,
		m.running,
		m.up,
		m.useCount,
		m.serviceDue,
		m.cycleEnergy,
		m.totalEnergy,
		m.cycleCost,
		m.totalCost,
		m.updates,
		m.cyclesCompleted,
		m.cycleDuration,
		m.httpRequests,
		m.httpDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	m.updates.WithLabelValues(resultSuccess)
	m.updates.WithLabelValues(resultError)
	return m
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Observe records a successful update. Intended as a coordinator listener.
func (m *Metrics) Observe(snap logic.Snapshot) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(resultSuccess).Inc()
	m.up.Set(1)
	m.power.Set(snap.Power)
	boolGauge(m.running, snap.Running)
	m.useCount.Set(float64(snap.UseCount))
	boolGauge(m.serviceDue, snap.ServiceStatus == logic.ServiceDue)
	m.cycleEnergy.Set(snap.CycleEnergy)
	m.totalEnergy.Set(snap.TotalEnergy)
	m.cycleCost.Set(snap.CycleCost)
	m.totalCost.Set(snap.TotalCost)

	if snap.Event == logic.EventCycleEnd {
		m.cyclesCompleted.Inc()
		m.cycleDuration.Observe(snap.LastCycleDuration.Seconds())
	}
}

// UpdateFailed records a failed update.
func (m *Metrics) UpdateFailed(error) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(resultError).Inc()
	m.up.Set(0)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
// Falls back to the default gatherer when the registerer cannot gather.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
