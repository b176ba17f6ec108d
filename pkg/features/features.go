// Package features turns windows of raw multi-axis samples into the
// statistical feature vectors the sequence models were trained on.
//
// A feature vector for a window holds the per-axis means followed by the
// per-axis sample standard deviations, in axis order. For accelerometer
// samples that is [meanX, meanY, meanZ, stdX, stdY, stdZ].
package features

import (
	"math"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

// PerAxis is the number of features computed for each axis.
const PerAxis = 2

// Names returns the feature names for the given number of axes.
func Names(axes int) []string {
	names := make([]string, 0, axes*PerAxis)
	for i := 0; i < axes; i++ {
		names = append(names, "mean_"+axisName(i))
	}
	for i := 0; i < axes; i++ {
		names = append(names, "std_"+axisName(i))
	}
	return names
}

func axisName(i int) string {
	if i < 3 {
		return string(rune('x' + i))
	}
	return string(rune('0' + i))
}

// Extract computes the feature vector of one window. Every sample must have
// at least axes values.
//
// The standard deviation is the Bessel-corrected sample estimate with
// denominator n-1, and 0 for windows of a single sample.
func Extract(window [][]float64, axes int) []float64 {
	out := make([]float64, axes*PerAxis)
	n := float64(len(window))
	if len(window) == 0 {
		return out
	}

	for a := 0; a < axes; a++ {
		var sum float64
		for _, s := range window {
			sum += s[a]
		}
		mean := sum / n

		var sumSq float64
		for _, s := range window {
			d := s[a] - mean
			sumSq += d * d
		}

		var std float64
		if len(window) > 1 {
			std = math.Sqrt(sumSq / (n - 1))
		}

		out[a] = mean
		out[axes+a] = std
	}

	return out
}

// BuildSequence slides a window of windowSize samples across samples one
// sample at a time and extracts sequenceLength feature vectors. samples must
// hold exactly windowSize+sequenceLength-1 readings.
func BuildSequence(samples [][]float64, windowSize, sequenceLength, axes int) ([][]float64, error) {
	want := windowSize + sequenceLength - 1
	if len(samples) != want {
		return nil, &detectors.ShapeMismatchError{What: "buffered samples", Want: want, Got: len(samples)}
	}

	seq := make([][]float64, sequenceLength)
	for i := range seq {
		seq[i] = Extract(samples[i:i+windowSize], axes)
	}
	return seq, nil
}
