// Package scaler applies the per-feature affine normalization the models
// were trained with.
//
// Every supported form is stored as an offset and a multiplicative factor,
// so scaling is always (v - offset) * factor:
//
//	min-max with scale:  offset = min,  factor = scale
//	min-max with range:  offset = min,  factor = 1 / range
//	standard score:      offset = mean, factor = 1 / std
package scaler

import (
	"errors"
	"fmt"
	"math"
)

// Scaler normalizes feature vectors. It is immutable and safe for
// concurrent use.
type Scaler struct {
	offset []float64
	factor []float64
	clamp  bool
}

// Option configures a Scaler.
type Option func(*Scaler)

// WithClamp clamps every scaled value to [0, 1].
func WithClamp(clamp bool) Option {
	return func(s *Scaler) {
		s.clamp = clamp
	}
}

// New creates a Scaler from offsets and multiplicative factors.
func New(offset, factor []float64, opts ...Option) (*Scaler, error) {
	if len(offset) == 0 {
		return nil, errors.New("scaler: no parameters")
	}
	if len(offset) != len(factor) {
		return nil, fmt.Errorf("scaler: %d offsets but %d factors", len(offset), len(factor))
	}
	for i := range offset {
		if !finite(offset[i]) || !finite(factor[i]) {
			return nil, fmt.Errorf("scaler: parameter %d is not finite", i)
		}
	}

	s := &Scaler{
		offset: append([]float64(nil), offset...),
		factor: append([]float64(nil), factor...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FromRange creates a min-max Scaler from data minimums and ranges.
func FromRange(min, rng []float64, opts ...Option) (*Scaler, error) {
	factor, err := reciprocals(rng, "range")
	if err != nil {
		return nil, err
	}
	return New(min, factor, opts...)
}

// FromStandard creates a standard-score Scaler from means and standard
// deviations.
func FromStandard(mean, std []float64, opts ...Option) (*Scaler, error) {
	factor, err := reciprocals(std, "std")
	if err != nil {
		return nil, err
	}
	return New(mean, factor, opts...)
}

func reciprocals(v []float64, name string) ([]float64, error) {
	out := make([]float64, len(v))
	for i, x := range v {
		if x == 0 {
			return nil, fmt.Errorf("scaler: %s %d is zero", name, i)
		}
		out[i] = 1 / x
	}
	return out, nil
}

// Len returns the number of features the Scaler expects.
func (s *Scaler) Len() int {
	return len(s.offset)
}

// Clamped reports whether scaled values are clamped to [0, 1].
func (s *Scaler) Clamped() bool {
	return s.clamp
}

// Transform returns the scaled copy of v. v must have at least Len values.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(s.offset))
	for i := range out {
		x := (v[i] - s.offset[i]) * s.factor[i]
		if s.clamp {
			x = math.Max(0, math.Min(1, x))
		}
		out[i] = x
	}
	return out
}

// TransformSequence scales every vector of seq.
func (s *Scaler) TransformSequence(seq [][]float64) [][]float64 {
	out := make([][]float64, len(seq))
	for i, v := range seq {
		out[i] = s.Transform(v)
	}
	return out
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
