package inference

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

// Shape is the [batch, steps, features] shape of a sequence tensor.
type Shape struct {
	Batch    int
	Steps    int
	Features int
}

// SequenceShape returns the batch-of-one shape used for every prediction.
func SequenceShape(steps, features int) Shape {
	return Shape{Batch: 1, Steps: steps, Features: features}
}

// Size returns the number of elements.
func (s Shape) Size() int {
	return s.Batch * s.Steps * s.Features
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d, %d, %d]", s.Batch, s.Steps, s.Features)
}

// Tensor is an owned, row-major float32 buffer of a fixed shape. A new
// Tensor is allocated for every prediction, so nothing is aliased between
// calls.
type Tensor struct {
	shape Shape
	data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape Shape) *Tensor {
	return &Tensor{shape: shape, data: make([]float32, shape.Size())}
}

// FromSequence packs a feature sequence into a [1, len(seq), features]
// tensor.
func FromSequence(seq [][]float64, features int) (*Tensor, error) {
	t := NewTensor(SequenceShape(len(seq), features))
	for i, v := range seq {
		if len(v) != features {
			return nil, &detectors.ShapeMismatchError{What: fmt.Sprintf("features at step %d", i), Want: features, Got: len(v)}
		}
		row := t.data[i*features : (i+1)*features]
		for j, x := range v {
			row[j] = float32(x)
		}
	}
	return t, nil
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Data returns the backing row-major buffer.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Sequence unpacks the first batch entry into a feature sequence.
func (t *Tensor) Sequence() [][]float64 {
	seq := make([][]float64, t.shape.Steps)
	f := t.shape.Features
	for i := range seq {
		row := make([]float64, f)
		for j, x := range t.data[i*f : (i+1)*f] {
			row[j] = float64(x)
		}
		seq[i] = row
	}
	return seq
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.shape)
	copy(c.data, t.data)
	return c
}

// MarshalBinary encodes the elements as native-endian 32-bit floats, the
// layout engines expect for raw input buffers.
func (t *Tensor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4*len(t.data))
	for i, x := range t.data {
		binary.NativeEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf, nil
}

// UnmarshalBinary decodes native-endian floats into the tensor. The byte
// length must match the tensor shape.
func (t *Tensor) UnmarshalBinary(buf []byte) error {
	if len(buf) != 4*len(t.data) {
		return &detectors.ShapeMismatchError{What: "tensor bytes", Want: 4 * len(t.data), Got: len(buf)}
	}
	for i := range t.data {
		t.data[i] = math.Float32frombits(binary.NativeEndian.Uint32(buf[4*i:]))
	}
	return nil
}
