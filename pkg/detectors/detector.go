// Package detectors provides the shared types of the streaming
// reconstruction-error anomaly detectors.
package detectors

import (
	"context"
	"math"
	"time"
)

// StreamDetector is the common interface of the per-channel detectors.
type StreamDetector interface {
	// AddReading pushes one raw sample and returns a result once enough
	// samples have been buffered. ok is false while the buffer is filling,
	// when the detector is not initialized, or when the sample could not be
	// scored.
	AddReading(sample []float64) (result Result, ok bool)

	// PredictStream processes samples from a channel and outputs results.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Result) error

	// State returns the lifecycle state of the detector.
	State() State
}

// Finite reports whether every value of sample is a finite number.
func Finite(sample []float64) bool {
	for _, v := range sample {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Result is the verdict for one full feature sequence.
type Result struct {
	// IsAnomaly is true when ErrorScore is strictly above the threshold.
	IsAnomaly bool
	// ErrorScore is the mean absolute reconstruction error.
	ErrorScore float64
}

// State is the lifecycle state of a detector.
type State int

const (
	// Uninitialized detectors have not loaded a config or model yet.
	Uninitialized State = iota
	// Initialized detectors accept readings.
	Initialized
	// Failed detectors could not load their config or model. They never
	// recover and return no result for every reading.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer receives pipeline events, typically to export metrics.
type Observer interface {
	ObserveReading()
	ObservePrediction(r Result, inference time.Duration)
	ObserveFailure(err error)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ObserveReading() {}
func (NopObserver) ObservePrediction(Result, time.Duration) {}
func (NopObserver) ObserveFailure(error) {}
