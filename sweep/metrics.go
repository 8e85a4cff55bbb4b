package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus instruments updated by a sweep
type Metrics struct {
	Groups          prometheus.Counter
	ExposuresFailed prometheus.Counter
	Frames          prometheus.Counter
	Illuminated     prometheus.Gauge
	Running         prometheus.Gauge
	CaptureSeconds  prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on reg.  reg may be
// nil, in which case nothing is registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Groups: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "flare",
			Name:      "capture_groups_total",
			Help:      "Capture groups (illumination x exposure sequence) completed.",
		}),
		ExposuresFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "flare",
			Name:      "exposures_failed_total",
			Help:      "Exposures whose capture, transfer or conversion failed.",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "flare",
			Name:      "frames_converted_total",
			Help:      "RAW10 frames converted to RAW16.",
		}),
		Illuminated: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "flare",
			Name:      "illumination_on",
			Help:      "1 while an illumination profile is energized.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "flare",
			Name:      "sweep_running",
			Help:      "1 while a sweep is in progress.",
		}),
		CaptureSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "flare",
			Name:      "capture_duration_seconds",
			Help:      "Time to capture, transfer and convert one exposure.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Groups, m.ExposuresFailed, m.Frames, m.Illuminated, m.Running, m.CaptureSeconds)
	}
	return m
}
