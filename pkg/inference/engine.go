// Package inference defines the contract between the detectors and an
// external sequence-autoencoder inference engine.
//
// Engines receive a [1, steps, features] float32 tensor and return a tensor
// of the same shape holding the reconstructed sequence. Calls are
// synchronous and blocking.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/hed1ad/seqguard/pkg/detectors"
)

// Engine runs a loaded model.
type Engine interface {
	Infer(in *Tensor) (*Tensor, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(in *Tensor) (*Tensor, error)

// Infer calls f(in).
func (f EngineFunc) Infer(in *Tensor) (*Tensor, error) {
	return f(in)
}

// Loader loads an engine for the given input shape. Implementations return
// a *detectors.ModelLoadError when the model cannot serve that shape.
type Loader interface {
	Load(ctx context.Context, shape Shape) (Engine, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, shape Shape) (Engine, error)

// Load calls f(ctx, shape).
func (f LoaderFunc) Load(ctx context.Context, shape Shape) (Engine, error) {
	return f(ctx, shape)
}

// Static returns a Loader that hands out an already loaded engine. The
// caller keeps ownership of the engine.
func Static(e Engine) Loader {
	return LoaderFunc(func(ctx context.Context, shape Shape) (Engine, error) {
		if e == nil {
			return nil, &detectors.ModelLoadError{Err: errors.New("no engine")}
		}
		return e, nil
	})
}

// Interpreter runs a model on native-endian float32 buffers, the calling
// convention of embedded interpreters such as TensorFlow Lite. output has
// the size of input.
type Interpreter interface {
	Run(input, output []byte) error
}

// InterpreterFunc adapts a function to the Interpreter interface.
type InterpreterFunc func(input, output []byte) error

// Run calls f(input, output).
func (f InterpreterFunc) Run(input, output []byte) error {
	return f(input, output)
}

// FromInterpreter adapts an Interpreter to Engine. Every call encodes the
// input into a fresh buffer and decodes into a fresh output tensor.
func FromInterpreter(ip Interpreter) Engine {
	return EngineFunc(func(in *Tensor) (*Tensor, error) {
		input, err := in.MarshalBinary()
		if err != nil {
			return nil, err
		}
		output := make([]byte, len(input))
		if err := ip.Run(input, output); err != nil {
			return nil, err
		}
		out := NewTensor(in.Shape())
		if err := out.UnmarshalBinary(output); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Echo is an engine that reconstructs its input exactly.
type Echo struct{}

// Infer returns a copy of in.
func (Echo) Infer(in *Tensor) (*Tensor, error) {
	return in.Clone(), nil
}

// Run invokes the engine and verifies the output shape. A panicking engine
// is reported as an error.
func Run(e Engine, in *Tensor) (out *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("inference engine panicked: %v", r)
		}
	}()

	out, err = e.Infer(in)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	if out == nil {
		return nil, errors.New("inference: engine returned no output")
	}
	if out.Shape() != in.Shape() {
		return nil, &detectors.ShapeMismatchError{What: "output elements " + out.Shape().String(), Want: in.Shape().Size(), Got: out.Shape().Size()}
	}
	return out, nil
}
