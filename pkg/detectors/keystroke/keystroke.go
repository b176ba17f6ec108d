// Package keystroke detects anomalous typing rhythm from the latencies
// between consecutive key presses.
//
// Each latency is scaled by 1/latency_scale and scored by a single-axis
// sequence detector over a [1, sequence_length, 1] autoencoder.
package keystroke

import (
	"context"
	"sync"
	"time"

	"github.com/hed1ad/seqguard/pkg/config"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/detectors/sequence"
	"github.com/hed1ad/seqguard/pkg/inference"
)

// LatencyTracker turns key press times into inter-key latencies.
type LatencyTracker struct {
	last time.Time
}

// Press records a key press and returns the latency since the previous one
// in milliseconds. The first press, and a press earlier than the previous
// one, yield no latency.
func (l *LatencyTracker) Press(at time.Time) (float64, bool) {
	prev := l.last
	l.last = at
	if prev.IsZero() || at.Before(prev) {
		return 0, false
	}
	return float64(at.Sub(prev).Milliseconds()), true
}

// Reset forgets the previous key press.
func (l *LatencyTracker) Reset() {
	l.last = time.Time{}
}

// Option configures a Detector.
type Option = sequence.Option

var (
	// WithLogger sets the logger.
	WithLogger = sequence.WithLogger
	// WithObserver sets the pipeline event observer.
	WithObserver = sequence.WithObserver
)

// Detector scores sequences of keystroke latencies.
type Detector struct {
	*sequence.Detector

	mu      sync.Mutex
	tracker LatencyTracker
}

// New creates an uninitialized Detector.
func New(opts ...Option) *Detector {
	opts = append([]Option{sequence.WithChannel("typing")}, opts...)
	return &Detector{Detector: sequence.New(opts...)}
}

// Initialize loads the keystroke config and the model. Failure is
// permanent.
func (d *Detector) Initialize(ctx context.Context, src config.Source, loader inference.Loader) error {
	return d.Start(ctx, func() (*config.Raw, error) {
		k, err := config.LoadKeystroke(src)
		if err != nil {
			return nil, err
		}
		return k.Raw(), nil
	}, loader)
}

// KeyPress records a key press and scores the latency it completes.
func (d *Detector) KeyPress(at time.Time) (detectors.Result, bool) {
	d.mu.Lock()
	latency, ok := d.tracker.Press(at)
	d.mu.Unlock()

	if !ok {
		return detectors.Result{}, false
	}
	return d.AddReading([]float64{latency})
}

var _ detectors.StreamDetector = (*Detector)(nil)
