package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region metrics
// Event kinds counted by Events.
const (
	EventStateChanged = "state_changed"
	EventAnomaly      = "anomaly"
	EventOutlier      = "outlier"
	EventPrediction   = "prediction"
	EventActivity     = "activity"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Records  prometheus.Counter
	Events   *prometheus.CounterVec
	Latency  prometheus.Histogram
	States   prometheus.Gauge
	Inits    *prometheus.CounterVec
	InitTime prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Records: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "records_total",
			Help:      "Records fed to the online model",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Listener events by kind",
		}, []string{"kind"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "add_record_seconds",
			Help:      "Time spent processing one record",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		States: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "leaf_states",
			Help:      "Number of leaf states of the active model",
		}),
		Inits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "inits_total",
			Help:      "Model initializations by status",
		}, []string{"status"}),
		InitTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamstory",
			Subsystem: "engine",
			Name:      "init_seconds",
			Help:      "Time to build a model",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		}),
	}
}

// #endregion metrics

// #region recording
// RecordAdded counts a processed record and its latency.
func (m *Metrics) RecordAdded(d time.Duration) {
	if m == nil {
		return
	}
	m.Records.Inc()
	m.Latency.Observe(d.Seconds())
}

// Event counts one listener event.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// Initialized records a finished initialization.
func (m *Metrics) Initialized(states int, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Inits.WithLabelValues("error").Inc()
		return
	}
	m.Inits.WithLabelValues("ok").Inc()
	m.InitTime.Observe(d.Seconds())
	m.States.Set(float64(states))
}

// #endregion recording
