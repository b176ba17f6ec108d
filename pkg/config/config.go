// Package config loads and validates the parameters the detectors were
// calibrated with.
//
// Loading is strict: a missing or malformed key is an *Error and no default
// is substituted. Callers that prefer to keep running on built-in values
// must opt in explicitly with WithDefaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/hed1ad/seqguard/pkg/buffer"
	"github.com/hed1ad/seqguard/pkg/features"
	"github.com/hed1ad/seqguard/pkg/scaler"
)

var (
	// ErrMissing marks a required key absent from the document.
	ErrMissing = errors.New("missing required key")
	// ErrMalformed marks a key whose value has the wrong type.
	ErrMalformed = errors.New("malformed value")
	// ErrInvalid marks a value outside its allowed range.
	ErrInvalid = errors.New("invalid value")
)

// Error describes a config that failed to load.
type Error struct {
	Source string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("config %s: %v", e.Source, e.Err)
	case e.Source == "":
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("config %s: %s: %v", e.Source, e.Field, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)}
}

// Model holds the parameters of the accelerometer feature pipeline.
type Model struct {
	SequenceLength   int     `json:"sequence_length"`
	WindowSize       int     `json:"window_size"`
	NumFeatures      int     `json:"num_features"`
	AnomalyThreshold float64 `json:"anomaly_threshold"`

	// Exactly one scaler form is set: ScalerMin with ScalerScale or
	// ScalerRange, or ScalerMean with ScalerStd.
	ScalerMin   []float64 `json:"scaler_min,omitempty"`
	ScalerScale []float64 `json:"scaler_scale,omitempty"`
	ScalerRange []float64 `json:"scaler_range,omitempty"`
	ScalerMean  []float64 `json:"scaler_mean,omitempty"`
	ScalerStd   []float64 `json:"scaler_std,omitempty"`

	// ClampOutput clamps scaled features to [0, 1].
	ClampOutput bool `json:"clamp_output,omitempty"`
}

func (m *Model) required() []string {
	return []string{"sequence_length", "window_size", "num_features", "anomaly_threshold"}
}

// Validate checks the invariants of the model parameters.
func (m *Model) Validate() error {
	if m.SequenceLength < 1 {
		return invalid("sequence_length", "%d < 1", m.SequenceLength)
	}
	if m.WindowSize < 2 {
		return invalid("window_size", "%d < 2", m.WindowSize)
	}
	if m.NumFeatures < features.PerAxis || m.NumFeatures%features.PerAxis != 0 {
		return invalid("num_features", "%d is not a positive multiple of %d", m.NumFeatures, features.PerAxis)
	}
	if err := checkThreshold(m.AnomalyThreshold); err != nil {
		return err
	}

	standard := m.ScalerMean != nil || m.ScalerStd != nil
	params := []struct {
		key    string
		values []float64
		want   bool
	}{
		{"scaler_mean", m.ScalerMean, standard},
		{"scaler_std", m.ScalerStd, standard},
		{"scaler_min", m.ScalerMin, !standard},
	}
	for _, p := range params {
		if p.want && p.values == nil {
			return &Error{Field: p.key, Err: ErrMissing}
		}
		if !p.want && p.values != nil {
			return invalid(p.key, "cannot be combined with scaler_mean/scaler_std")
		}
	}

	switch {
	case standard && (m.ScalerScale != nil || m.ScalerRange != nil):
		return invalid("scaler_scale", "cannot be combined with scaler_mean/scaler_std")
	case !standard && m.ScalerScale == nil && m.ScalerRange == nil:
		return &Error{Field: "scaler_scale", Err: ErrMissing}
	case m.ScalerScale != nil && m.ScalerRange != nil:
		return invalid("scaler_range", "set either scaler_scale or scaler_range")
	}

	for key, values := range map[string][]float64{
		"scaler_min":   m.ScalerMin,
		"scaler_scale": m.ScalerScale,
		"scaler_range": m.ScalerRange,
		"scaler_mean":  m.ScalerMean,
		"scaler_std":   m.ScalerStd,
	} {
		if values == nil {
			continue
		}
		if len(values) != m.NumFeatures {
			return invalid(key, "has %d values, num_features is %d", len(values), m.NumFeatures)
		}
	}

	if _, err := m.Scaler(); err != nil {
		return &Error{Field: "scaler", Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
	}
	return nil
}

// Axes returns the number of raw sample axes the features are computed on.
func (m *Model) Axes() int {
	return m.NumFeatures / features.PerAxis
}

// RequiredBufferSize returns the number of raw samples one prediction
// consumes.
func (m *Model) RequiredBufferSize() int {
	return buffer.Capacity(m.WindowSize, m.SequenceLength)
}

// Scaler builds the feature scaler.
func (m *Model) Scaler() (*scaler.Scaler, error) {
	clamp := scaler.WithClamp(m.ClampOutput)
	switch {
	case m.ScalerMean != nil:
		return scaler.FromStandard(m.ScalerMean, m.ScalerStd, clamp)
	case m.ScalerRange != nil:
		return scaler.FromRange(m.ScalerMin, m.ScalerRange, clamp)
	default:
		return scaler.New(m.ScalerMin, m.ScalerScale, clamp)
	}
}

// Keystroke holds the parameters of the keystroke-latency channel.
type Keystroke struct {
	SequenceLength   int     `json:"sequence_length"`
	AnomalyThreshold float64 `json:"anomaly_threshold"`
	// LatencyScale is the divisor, in milliseconds, applied to each latency.
	LatencyScale float64 `json:"latency_scale"`
	ClampOutput  bool    `json:"clamp_output,omitempty"`
}

// DefaultKeystroke returns the built-in keystroke parameters. They are only
// used when a caller opts into degraded mode.
func DefaultKeystroke() Keystroke {
	return Keystroke{
		SequenceLength:   10,
		AnomalyThreshold: 0.015,
		LatencyScale:     2000,
	}
}

func (k *Keystroke) required() []string {
	return []string{"sequence_length", "anomaly_threshold", "latency_scale"}
}

// Validate checks the invariants of the keystroke parameters.
func (k *Keystroke) Validate() error {
	if k.SequenceLength < 1 {
		return invalid("sequence_length", "%d < 1", k.SequenceLength)
	}
	if err := checkThreshold(k.AnomalyThreshold); err != nil {
		return err
	}
	if !(k.LatencyScale > 0) || math.IsInf(k.LatencyScale, 0) {
		return invalid("latency_scale", "%v is not a positive number", k.LatencyScale)
	}
	return nil
}

// Raw returns the equivalent single-axis raw-sequence parameters.
func (k *Keystroke) Raw() *Raw {
	clamp := k.ClampOutput
	return &Raw{
		SequenceLength:   k.SequenceLength,
		AnomalyThreshold: k.AnomalyThreshold,
		ScalerMin:        []float64{0},
		ScalerRange:      []float64{k.LatencyScale},
		ClampOutput:      &clamp,
	}
}

// Raw holds the parameters of a channel whose model sees the scaled samples
// themselves, one step per sample, as a [1, sequence_length, axes] tensor.
// The number of axes is the length of the scaler arrays.
type Raw struct {
	SequenceLength   int     `json:"sequence_length"`
	AnomalyThreshold float64 `json:"anomaly_threshold"`

	ScalerMin   []float64 `json:"scaler_min"`
	ScalerScale []float64 `json:"scaler_scale,omitempty"`
	ScalerRange []float64 `json:"scaler_range,omitempty"`

	// ClampOutput clamps scaled samples to [0, 1]. Unset means true.
	ClampOutput *bool `json:"clamp_output,omitempty"`
}

// DefaultRaw returns the built-in raw movement parameters: three axes
// scaled from [-20, 20] m/s^2 and clamped, over 15-sample sequences. Like
// DefaultKeystroke it is only for degraded mode.
func DefaultRaw() Raw {
	clamp := true
	return Raw{
		SequenceLength:   15,
		AnomalyThreshold: 0.031,
		ScalerMin:        []float64{-20, -20, -20},
		ScalerRange:      []float64{40, 40, 40},
		ClampOutput:      &clamp,
	}
}

func (r *Raw) required() []string {
	return []string{"sequence_length", "anomaly_threshold", "scaler_min"}
}

// Validate checks the invariants of the raw-sequence parameters.
func (r *Raw) Validate() error {
	if r.SequenceLength < 1 {
		return invalid("sequence_length", "%d < 1", r.SequenceLength)
	}
	if err := checkThreshold(r.AnomalyThreshold); err != nil {
		return err
	}
	if len(r.ScalerMin) == 0 {
		return invalid("scaler_min", "no axes")
	}

	switch {
	case r.ScalerScale == nil && r.ScalerRange == nil:
		return &Error{Field: "scaler_range", Err: ErrMissing}
	case r.ScalerScale != nil && r.ScalerRange != nil:
		return invalid("scaler_range", "set either scaler_scale or scaler_range")
	case r.ScalerScale != nil && len(r.ScalerScale) != len(r.ScalerMin):
		return invalid("scaler_scale", "has %d values, scaler_min has %d", len(r.ScalerScale), len(r.ScalerMin))
	case r.ScalerRange != nil && len(r.ScalerRange) != len(r.ScalerMin):
		return invalid("scaler_range", "has %d values, scaler_min has %d", len(r.ScalerRange), len(r.ScalerMin))
	}

	if _, err := r.Scaler(); err != nil {
		return &Error{Field: "scaler", Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
	}
	return nil
}

// Axes returns the number of values per sample.
func (r *Raw) Axes() int {
	return len(r.ScalerMin)
}

// Clamped reports whether scaled samples are clamped to [0, 1].
func (r *Raw) Clamped() bool {
	return r.ClampOutput == nil || *r.ClampOutput
}

// Scaler builds the per-axis sample scaler.
func (r *Raw) Scaler() (*scaler.Scaler, error) {
	clamp := scaler.WithClamp(r.Clamped())
	if r.ScalerRange != nil {
		return scaler.FromRange(r.ScalerMin, r.ScalerRange, clamp)
	}
	return scaler.New(r.ScalerMin, r.ScalerScale, clamp)
}

func checkThreshold(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return invalid("anomaly_threshold", "%v is not a non-negative number", t)
	}
	return nil
}

type document interface {
	required() []string
	Validate() error
}

// aliases maps key names used by older training scripts to current ones.
var aliases = map[string]string{
	"scaler_data_min":   "scaler_min",
	"scaler_data_range": "scaler_range",
}

func load(src Source, v document) error {
	doc, err := src.Document()
	if err != nil {
		return &Error{Source: src.Name(), Err: err}
	}

	for old, key := range aliases {
		if val, ok := doc[old]; ok {
			if _, dup := doc[key]; !dup {
				doc[key] = val
			}
			delete(doc, old)
		}
	}

	for _, key := range v.required() {
		if val, ok := doc[key]; !ok || val == nil {
			return &Error{Source: src.Name(), Field: key, Err: ErrMissing}
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return &Error{Source: src.Name(), Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		field := ""
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field = typeErr.Field
		}
		return &Error{Source: src.Name(), Field: field, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	if err := v.Validate(); err != nil {
		var cfgErr *Error
		if errors.As(err, &cfgErr) {
			cfgErr.Source = src.Name()
			return cfgErr
		}
		return &Error{Source: src.Name(), Err: err}
	}
	return nil
}

// LoadModel loads and validates accelerometer model parameters.
func LoadModel(src Source) (*Model, error) {
	var m Model
	if err := load(src, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadRaw loads and validates raw-sequence parameters. It accepts the
// scaler_data_min and scaler_data_range keys of the mobile app's
// model_config.json.
func LoadRaw(src Source) (*Raw, error) {
	var r Raw
	if err := load(src, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadKeystroke loads and validates keystroke channel parameters.
func LoadKeystroke(src Source) (*Keystroke, error) {
	var k Keystroke
	if err := load(src, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

type loadable[T any] interface {
	*T
	document
}

// WithDefaults returns src if it loads as a valid T. Otherwise it logs the
// failure as degraded mode and returns a Source of defaults.
func WithDefaults[T any, PT loadable[T]](src Source, defaults T, logger *slog.Logger) Source {
	var probe T
	err := load(src, PT(&probe))
	if err == nil {
		return src
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("config failed to load, running in degraded mode on built-in defaults",
		"source", src.Name(),
		"error", err,
	)
	return Value(defaults)
}
