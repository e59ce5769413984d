package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes poll-cycle observability.  A nil *Metrics is valid
// and records nothing, which keeps tests quiet.
type Metrics struct {
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	devicesSucceeded prometheus.Counter
	deviceFailures   *prometheus.CounterVec
	knownDevices     prometheus.Gauge
	staleDevices     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deye_bridge",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deye_bridge",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of complete poll cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		devicesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deye_bridge",
			Name:      "device_fetches_succeeded_total",
			Help:      "Per-device fetches that reconciled successfully",
		}),
		deviceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deye_bridge",
			Name:      "device_fetches_failed_total",
			Help:      "Per-device fetch failures by staleness reason",
		}, []string{"reason"}),
		knownDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deye_bridge",
			Name:      "known_devices",
			Help:      "Devices discovered at the last enumeration",
		}),
		staleDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deye_bridge",
			Name:      "stale_devices",
			Help:      "Devices whose snapshot is currently stale",
		}),
	}
}

func (m *Metrics) observeCycle(res CycleResult, known, stale int) {
	if m == nil {
		return
	}

	result := "ok"
	switch {
	case res.Skipped:
		result = "skipped"
	case res.Err != nil:
		result = "enumeration_failed"
	case len(res.DevicesFailed) > 0:
		result = "partial"
	}

	m.cycles.WithLabelValues(result).Inc()
	if !res.Skipped {
		m.cycleDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}

	m.devicesSucceeded.Add(float64(res.DevicesSucceeded))
	for _, reason := range res.DevicesFailed {
		m.deviceFailures.WithLabelValues(string(reason)).Inc()
	}

	m.knownDevices.Set(float64(known))
	m.staleDevices.Set(float64(stale))
}
