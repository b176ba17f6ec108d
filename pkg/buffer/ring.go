// Package buffer provides the bounded sample buffer that feeds one full
// feature sequence.
package buffer

// Capacity returns the number of raw samples needed to produce
// sequenceLength overlapping windows of windowSize samples each.
func Capacity(windowSize, sequenceLength int) int {
	return windowSize + sequenceLength - 1
}

// Ring is a fixed-capacity FIFO of multi-axis samples. Once full, each Push
// evicts the oldest sample. It is not safe for concurrent use.
type Ring struct {
	data [][]float64
	pos  int
	full bool
	cap  int
}

// New creates a Ring with the given capacity. Capacity must be positive.
func New(capacity int) *Ring {
	if capacity < 1 {
		panic("buffer: capacity must be positive")
	}
	return &Ring{
		data: make([][]float64, capacity),
		cap:  capacity,
	}
}

// Push appends a copy of sample, evicting the oldest sample when full.
func (r *Ring) Push(sample []float64) {
	s := make([]float64, len(sample))
	copy(s, sample)

	r.data[r.pos] = s
	r.pos++
	if r.pos >= r.cap {
		r.pos = 0
		r.full = true
	}
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return r.cap
}

// Full reports whether Len equals Cap.
func (r *Ring) Full() bool {
	return r.full
}

// Snapshot returns the buffer contents oldest to newest. The outer slice is
// freshly allocated; the samples themselves are shared and must not be
// modified.
func (r *Ring) Snapshot() [][]float64 {
	n := r.Len()
	out := make([][]float64, n)
	if r.full {
		copy(out, r.data[r.pos:])
		copy(out[r.cap-r.pos:], r.data[:r.pos])
	} else {
		copy(out, r.data[:r.pos])
	}
	return out
}
