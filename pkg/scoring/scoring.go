// Package scoring turns a reconstruction into an anomaly verdict.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

// ErrNonFinite marks a score that is NaN or infinite. Such a score cannot
// be compared with the threshold.
var ErrNonFinite = errors.New("non-finite error score")

// MAE returns the mean absolute error between two sequences of equal shape,
// flattened over every step and feature.
func MAE(input, reconstructed [][]float64) (float64, error) {
	if err := sameShape(input, reconstructed); err != nil {
		return 0, err
	}
	a, b := flatten(input), flatten(reconstructed)

	return floats.Distance(a, b, 1) / float64(len(a)), nil
}

func sameShape(seq, ref [][]float64) error {
	if len(seq) != len(ref) {
		return &detectors.ShapeMismatchError{What: "sequence length", Want: len(seq), Got: len(ref)}
	}

	var n int
	for i := range seq {
		if len(seq[i]) != len(ref[i]) {
			return &detectors.ShapeMismatchError{
				What: fmt.Sprintf("features at step %d", i),
				Want: len(seq[i]),
				Got:  len(ref[i]),
			}
		}
		n += len(seq[i])
	}
	if n == 0 {
		return &detectors.ShapeMismatchError{What: "elements", Want: 1, Got: 0}
	}
	return nil
}

// flatten concatenates seq row by row.
func flatten(seq [][]float64) []float64 {
	var flat []float64
	for _, row := range seq {
		flat = append(flat, row...)
	}
	return flat
}

// Score computes the MAE and flags an anomaly when it is strictly greater
// than threshold. A NaN or infinite MAE is ErrNonFinite.
func Score(input, reconstructed [][]float64, threshold float64) (detectors.Result, error) {
	mae, err := MAE(input, reconstructed)
	if err != nil {
		return detectors.Result{}, err
	}
	if math.IsNaN(mae) || math.IsInf(mae, 0) {
		return detectors.Result{}, fmt.Errorf("%w: %v", ErrNonFinite, mae)
	}
	return detectors.Result{
		IsAnomaly:  mae > threshold,
		ErrorScore: mae,
	}, nil
}
