// Package sequence implements the raw-sequence anomaly detector: each
// sample is scaled per axis and buffered, and once sequence_length samples
// are held the sequence is reconstructed by a [1, sequence_length, axes]
// autoencoder and scored by mean absolute error.
//
// It serves the three-axis movement model of the mobile app and, with one
// axis, the keystroke-latency channel.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hed1ad/seqguard/pkg/buffer"
	"github.com/hed1ad/seqguard/pkg/config"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/inference"
	"github.com/hed1ad/seqguard/pkg/scaler"
	"github.com/hed1ad/seqguard/pkg/scoring"
)

// Detector scores sequences of scaled raw samples.
type Detector struct {
	mu sync.Mutex

	channel  string
	logger   *slog.Logger
	observer detectors.Observer

	state  detectors.State
	cfg    *config.Raw
	scaler *scaler.Scaler
	engine inference.Engine
	buf    *buffer.Ring
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// WithObserver sets the pipeline event observer.
func WithObserver(o detectors.Observer) Option {
	return func(d *Detector) {
		d.observer = o
	}
}

// WithChannel names the sensor channel in logs.
func WithChannel(name string) Option {
	return func(d *Detector) {
		d.channel = name
	}
}

// New creates an uninitialized Detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		channel:  "movement",
		logger:   slog.Default(),
		observer: detectors.NopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("channel", d.channel)
	return d
}

// Initialize loads raw-sequence parameters from src and the model.
func (d *Detector) Initialize(ctx context.Context, src config.Source, loader inference.Loader) error {
	return d.Start(ctx, func() (*config.Raw, error) { return config.LoadRaw(src) }, loader)
}

// Start is Initialize for callers whose config document derives the
// parameters, such as the keystroke channel. A load or model error leaves
// the Detector Failed for good and is returned.
func (d *Detector) Start(ctx context.Context, load func() (*config.Raw, error), loader inference.Loader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != detectors.Uninitialized {
		return fmt.Errorf("detector already %s", d.state)
	}

	cfg, err := load()
	if err == nil {
		err = d.load(ctx, cfg, loader)
	}
	if err != nil {
		d.state = detectors.Failed
		d.logger.Error("detector initialization failed", "error", err)
		return err
	}

	d.state = detectors.Initialized
	d.logger.Info("detector initialized",
		"sequence_length", cfg.SequenceLength,
		"axes", cfg.Axes(),
		"threshold", cfg.AnomalyThreshold,
		"clamp_output", cfg.Clamped(),
	)
	return nil
}

func (d *Detector) load(ctx context.Context, cfg *config.Raw, loader inference.Loader) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s, err := cfg.Scaler()
	if err != nil {
		return &config.Error{Field: "scaler", Err: err}
	}
	if loader == nil {
		return &detectors.ModelLoadError{Err: errors.New("no model loader")}
	}

	engine, err := loader.Load(ctx, inference.SequenceShape(cfg.SequenceLength, cfg.Axes()))
	if err != nil {
		var loadErr *detectors.ModelLoadError
		if !errors.As(err, &loadErr) {
			err = &detectors.ModelLoadError{Err: err}
		}
		return err
	}
	if engine == nil {
		return &detectors.ModelLoadError{Err: errors.New("loader returned no engine")}
	}

	d.cfg = cfg
	d.scaler = s
	d.engine = engine
	d.buf = buffer.New(cfg.SequenceLength)
	return nil
}

// State returns the lifecycle state.
func (d *Detector) State() detectors.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RequiredBufferSize returns sequence_length, or 0 when not initialized.
func (d *Detector) RequiredBufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != detectors.Initialized {
		return 0
	}
	return d.buf.Cap()
}

// Threshold returns the anomaly threshold, or 0 before initialization.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != detectors.Initialized {
		return 0
	}
	return d.cfg.AnomalyThreshold
}

// AddReading scales and buffers one sample. It has the same no-result
// semantics as the windowed detector: samples of the wrong dimension or
// with a NaN or infinite value are dropped, and it never panics.
func (d *Detector) AddReading(sample []float64) (detectors.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != detectors.Initialized {
		return detectors.Result{}, false
	}
	if len(sample) != d.cfg.Axes() {
		d.logger.Warn("dropping sample with wrong dimension", "want", d.cfg.Axes(), "got", len(sample))
		return detectors.Result{}, false
	}
	if !detectors.Finite(sample) {
		d.logger.Warn("dropping non-finite sample", "sample", sample)
		return detectors.Result{}, false
	}

	d.buf.Push(d.scaler.Transform(sample))
	d.observer.ObserveReading()

	if !d.buf.Full() {
		return detectors.Result{}, false
	}

	result, err := d.predict(d.buf.Snapshot())
	if err != nil {
		d.observer.ObserveFailure(err)
		d.logger.Error("prediction failed", "error", err)
		return detectors.Result{}, false
	}
	return result, true
}

func (d *Detector) predict(seq [][]float64) (detectors.Result, error) {
	in, err := inference.FromSequence(seq, d.cfg.Axes())
	if err != nil {
		return detectors.Result{}, err
	}

	start := time.Now()
	out, err := inference.Run(d.engine, in)
	if err != nil {
		return detectors.Result{}, err
	}
	elapsed := time.Since(start)

	result, err := scoring.Score(in.Sequence(), out.Sequence(), d.cfg.AnomalyThreshold)
	if err != nil {
		return detectors.Result{}, err
	}

	d.observer.ObservePrediction(result, elapsed)
	if result.IsAnomaly {
		d.logger.Info("anomaly detected", "score", result.ErrorScore, "threshold", d.cfg.AnomalyThreshold)
	} else {
		d.logger.Debug("sequence scored", "score", result.ErrorScore)
	}
	return result, nil
}

// PredictStream processes samples from a channel until it is closed or ctx
// is done.
func (d *Detector) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Result) error {
	if d.State() != detectors.Initialized {
		return errors.New("detector not initialized")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}
			result, ok := d.AddReading(sample)
			if !ok {
				continue
			}
			select {
			case output <- result:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

var _ detectors.StreamDetector = (*Detector)(nil)
