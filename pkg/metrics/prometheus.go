// Package metrics exports detector pipeline events to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

var (
	// ReadingsTotal counts raw samples accepted by a detector.
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqguard_readings_total",
			Help: "Total number of raw samples buffered",
		},
		[]string{"channel"},
	)

	// PredictionsTotal counts scored sequences.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqguard_predictions_total",
			Help: "Total number of sequences scored",
		},
		[]string{"channel"},
	)

	// AnomaliesTotal counts sequences scored above the threshold.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqguard_anomalies_total",
			Help: "Total number of anomalous sequences",
		},
		[]string{"channel"},
	)

	// InferenceFailuresTotal counts predictions that produced no result.
	InferenceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqguard_inference_failures_total",
			Help: "Total number of failed predictions",
		},
		[]string{"channel"},
	)

	// ErrorScore is the latest reconstruction error.
	ErrorScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seqguard_error_score",
			Help: "Latest mean absolute reconstruction error",
		},
		[]string{"channel"},
	)

	// InferenceDuration is the engine call latency.
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seqguard_inference_duration_seconds",
			Help:    "Inference latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"channel"},
	)
)

// Observer records the events of one detector channel.
type Observer struct {
	readings  prometheus.Counter
	preds     prometheus.Counter
	anomalies prometheus.Counter
	failures  prometheus.Counter
	score     prometheus.Gauge
	duration  prometheus.Observer
}

// NewObserver returns an Observer labelled with channel.
func NewObserver(channel string) *Observer {
	return &Observer{
		readings:  ReadingsTotal.WithLabelValues(channel),
		preds:     PredictionsTotal.WithLabelValues(channel),
		anomalies: AnomaliesTotal.WithLabelValues(channel),
		failures:  InferenceFailuresTotal.WithLabelValues(channel),
		score:     ErrorScore.WithLabelValues(channel),
		duration:  InferenceDuration.WithLabelValues(channel),
	}
}

func (o *Observer) ObserveReading() {
	o.readings.Inc()
}

func (o *Observer) ObservePrediction(r detectors.Result, inference time.Duration) {
	o.preds.Inc()
	o.score.Set(r.ErrorScore)
	o.duration.Observe(inference.Seconds())
	if r.IsAnomaly {
		o.anomalies.Inc()
	}
}

func (o *Observer) ObserveFailure(error) {
	o.failures.Inc()
}

var _ detectors.Observer = (*Observer)(nil)
