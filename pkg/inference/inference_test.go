package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

func TestFromSequence(t *testing.T) {
	seq := [][]float64{{2, 1}, {3, 1}}

	tensor, err := FromSequence(seq, 2)
	require.NoError(t, err)

	assert.Equal(t, Shape{Batch: 1, Steps: 2, Features: 2}, tensor.Shape())
	assert.Equal(t, []float32{2, 1, 3, 1}, tensor.Data())
	assert.Equal(t, seq, tensor.Sequence())
}

func TestFromSequenceShapeMismatch(t *testing.T) {
	_, err := FromSequence([][]float64{{1, 2}, {3}}, 2)

	var shapeErr *detectors.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 2, shapeErr.Want)
	assert.Equal(t, 1, shapeErr.Got)
}

func TestTensorBinaryLayout(t *testing.T) {
	tensor, err := FromSequence([][]float64{{1.5, -2}, {0.25, 8}}, 2)
	require.NoError(t, err)

	buf, err := tensor.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, 16)

	// Row-major, 4 bytes per element, native byte order.
	assert.Equal(t, math.Float32bits(1.5), binary.NativeEndian.Uint32(buf[0:]))
	assert.Equal(t, math.Float32bits(-2), binary.NativeEndian.Uint32(buf[4:]))
	assert.Equal(t, math.Float32bits(0.25), binary.NativeEndian.Uint32(buf[8:]))
	assert.Equal(t, math.Float32bits(8), binary.NativeEndian.Uint32(buf[12:]))

	decoded := NewTensor(tensor.Shape())
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, tensor.Data(), decoded.Data())

	assert.Error(t, decoded.UnmarshalBinary(buf[:12]))
}

func TestFromInterpreter(t *testing.T) {
	in, err := FromSequence([][]float64{{0.5, 1}, {2, -4}}, 2)
	require.NoError(t, err)

	var seen int
	halve := InterpreterFunc(func(input, output []byte) error {
		seen = len(input)
		for i := 0; i < len(input); i += 4 {
			v := math.Float32frombits(binary.NativeEndian.Uint32(input[i:]))
			binary.NativeEndian.PutUint32(output[i:], math.Float32bits(v/2))
		}
		return nil
	})

	out, err := Run(FromInterpreter(halve), in)
	require.NoError(t, err)
	assert.Equal(t, 16, seen)
	assert.Equal(t, []float32{0.25, 0.5, 1, -2}, out.Data())
	assert.Equal(t, []float32{0.5, 1, 2, -4}, in.Data())

	failing := InterpreterFunc(func(_, _ []byte) error { return errors.New("delegate error") })
	_, err = Run(FromInterpreter(failing), in)
	assert.ErrorContains(t, err, "delegate error")
}

func TestEcho(t *testing.T) {
	in, err := FromSequence([][]float64{{0.1, 0.2, 0.3}}, 3)
	require.NoError(t, err)

	out, err := Run(Echo{}, in)
	require.NoError(t, err)
	assert.Equal(t, in.Data(), out.Data())

	out.Data()[0] = 42
	assert.NotEqual(t, float32(42), in.Data()[0])
}

func TestRun(t *testing.T) {
	in := NewTensor(SequenceShape(2, 3))

	tests := []struct {
		name   string
		engine Engine
	}{
		{
			name: "engine error",
			engine: EngineFunc(func(*Tensor) (*Tensor, error) {
				return nil, errors.New("boom")
			}),
		},
		{
			name: "nil output",
			engine: EngineFunc(func(*Tensor) (*Tensor, error) {
				return nil, nil
			}),
		},
		{
			name: "wrong output shape",
			engine: EngineFunc(func(*Tensor) (*Tensor, error) {
				return NewTensor(SequenceShape(3, 3)), nil
			}),
		},
		{
			name: "panic",
			engine: EngineFunc(func(*Tensor) (*Tensor, error) {
				panic("unsupported operator")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Run(tt.engine, in)
			assert.Error(t, err)
			assert.Nil(t, out)
		})
	}
}

func TestStatic(t *testing.T) {
	e, err := Static(Echo{}).Load(context.Background(), SequenceShape(1, 1))
	require.NoError(t, err)
	assert.Equal(t, Echo{}, e)

	_, err = Static(nil).Load(context.Background(), SequenceShape(1, 1))
	var loadErr *detectors.ModelLoadError
	assert.True(t, errors.As(err, &loadErr))
}
