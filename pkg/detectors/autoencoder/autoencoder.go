// Package autoencoder implements the accelerometer anomaly detector: raw
// samples are buffered, turned into a sequence of windowed statistical
// features, scaled, reconstructed by a sequence autoencoder and scored by
// mean absolute reconstruction error.
package autoencoder

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
	"github.com/hed1ad/seqguard/pkg/features"
	"github.com/hed1ad/seqguard/pkg/inference"
	"github.com/hed1ad/seqguard/pkg/scaler"
	"github.com/hed1ad/seqguard/pkg/scoring"
)

// Detector is a single-channel streaming detector. A Detector starts
// Uninitialized, and Initialize moves it to Initialized or, permanently, to
// Failed. AddReading is serialized internally, so one Detector may be fed
// from several goroutines, but results are only meaningful for a single
// ordered stream.
type Detector struct {
	mu sync.Mutex

	channel  string
	logger   *slog.Logger
	observer detectors.Observer

	state  detectors.State
	cfg    *config.Model
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

// Initialize loads the config and the model. On failure the Detector is
// left Failed for good and the error is returned for the caller to report;
// it is a *config.Error or a *detectors.ModelLoadError.
func (d *Detector) Initialize(ctx context.Context, src config.Source, loader inference.Loader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != detectors.Uninitialized {
		return fmt.Errorf("detector already %s", d.state)
	}

	err := d.initialize(ctx, src, loader)
	if err != nil {
		d.state = detectors.Failed
		d.logger.Error("detector initialization failed", "error", err)
		return err
	}

	d.state = detectors.Initialized
	d.logger.Info("detector initialized",
		"sequence_length", d.cfg.SequenceLength,
		"window_size", d.cfg.WindowSize,
		"num_features", d.cfg.NumFeatures,
		"features", features.Names(d.cfg.Axes()),
		"threshold", d.cfg.AnomalyThreshold,
		"buffer_size", d.buf.Cap(),
		"clamp_output", d.cfg.ClampOutput,
	)
	return nil
}

func (d *Detector) initialize(ctx context.Context, src config.Source, loader inference.Loader) error {
	cfg, err := config.LoadModel(src)
	if err != nil {
		return err
	}
	s, err := cfg.Scaler()
	if err != nil {
		return &config.Error{Source: src.Name(), Field: "scaler", Err: err}
	}

	if loader == nil {
		return &detectors.ModelLoadError{Err: errors.New("no model loader")}
	}
	engine, err := loader.Load(ctx, inference.SequenceShape(cfg.SequenceLength, cfg.NumFeatures))
	if err != nil {
		var loadErr *detectors.ModelLoadError
		if errors.As(err, &loadErr) {
			return err
		}
		return &detectors.ModelLoadError{Err: err}
	}
	if engine == nil {
		return &detectors.ModelLoadError{Err: errors.New("loader returned no engine")}
	}

	d.cfg = cfg
	d.scaler = s
	d.engine = engine
	d.buf = buffer.New(cfg.RequiredBufferSize())
	return nil
}

// State returns the lifecycle state.
func (d *Detector) State() detectors.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RequiredBufferSize returns the number of samples needed before the first
// result, or 0 when the Detector is not initialized.
func (d *Detector) RequiredBufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != detectors.Initialized {
		return 0
	}
	return d.buf.Cap()
}

// Threshold returns the anomaly threshold, or 0 when not initialized.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != detectors.Initialized {
		return 0
	}
	return d.cfg.AnomalyThreshold
}

// AddReading buffers one raw sample and, once the buffer holds a full
// sequence, scores it. It returns ok == false while filling, when the
// Detector is not initialized, for samples of the wrong dimension or with a
// NaN or infinite value, and when inference fails. Dropped samples are not
// buffered. It never panics.
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

	d.buf.Push(sample)
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

// predict runs feature extraction, scaling, inference and scoring on a
// full buffer.
func (d *Detector) predict(samples [][]float64) (detectors.Result, error) {
	seq, err := features.BuildSequence(samples, d.cfg.WindowSize, d.cfg.SequenceLength, d.cfg.Axes())
	if err != nil {
		return detectors.Result{}, err
	}

	in, err := inference.FromSequence(d.scaler.TransformSequence(seq), d.cfg.NumFeatures)
	if err != nil {
		return detectors.Result{}, err
	}

	start := time.Now()
	out, err := inference.Run(d.engine, in)
	if err != nil {
		return detectors.Result{}, err
	}
	elapsed := time.Since(start)

	// Score against the tensor the model actually saw.
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
