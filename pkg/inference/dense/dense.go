// Package dense implements a pure-Go sequence autoencoder engine.
//
// Every time step is encoded and decoded independently by two dense layers:
//
//	h = act(We·x + be)
//	y = Wd·h + bd
//
// Models are stored as gob blobs produced by Save.
package dense

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/seqguard/pkg/assets"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/inference"
)

// Activation is the hidden layer nonlinearity.
type Activation string

// Supported activations.
const (
	Linear Activation = "linear"
	ReLU   Activation = "relu"
	Tanh   Activation = "tanh"
)

func (a Activation) apply(x float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, x)
	case Tanh:
		return math.Tanh(x)
	default:
		return x
	}
}

// Model is the serialized form of the autoencoder. Weights are row-major.
type Model struct {
	Features   int
	Hidden     int
	Activation Activation

	EncoderWeights []float64 // Hidden x Features
	EncoderBias    []float64 // Hidden
	DecoderWeights []float64 // Features x Hidden
	DecoderBias    []float64 // Features
}

// Identity returns a model that reconstructs its input exactly.
func Identity(features int) *Model {
	eye := make([]float64, features*features)
	for i := 0; i < features; i++ {
		eye[i*features+i] = 1
	}
	return &Model{
		Features:       features,
		Hidden:         features,
		Activation:     Linear,
		EncoderWeights: eye,
		EncoderBias:    make([]float64, features),
		DecoderWeights: append([]float64(nil), eye...),
		DecoderBias:    make([]float64, features),
	}
}

// Validate checks that every weight slice matches the declared dimensions.
func (m *Model) Validate() error {
	if m.Features < 1 || m.Hidden < 1 {
		return fmt.Errorf("invalid dimensions %dx%d", m.Features, m.Hidden)
	}
	switch m.Activation {
	case Linear, ReLU, Tanh:
	default:
		return fmt.Errorf("unsupported activation %q", m.Activation)
	}

	checks := []struct {
		name string
		got  int
		want int
	}{
		{"encoder weights", len(m.EncoderWeights), m.Hidden * m.Features},
		{"encoder bias", len(m.EncoderBias), m.Hidden},
		{"decoder weights", len(m.DecoderWeights), m.Features * m.Hidden},
		{"decoder bias", len(m.DecoderBias), m.Features},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%s: want %d values, got %d", c.name, c.want, c.got)
		}
	}
	return nil
}

// Save serializes the model.
func (m *Model) Save() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes and validates a model.
func Load(data []byte) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Engine evaluates a Model. It is read-only after construction and safe for
// concurrent use.
type Engine struct {
	features   int
	activation Activation
	encoder    *mat.Dense
	encBias    *mat.VecDense
	decoder    *mat.Dense
	decBias    *mat.VecDense
}

// NewEngine builds an engine from a validated model.
func NewEngine(m *Model) (*Engine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		features:   m.Features,
		activation: m.Activation,
		encoder:    mat.NewDense(m.Hidden, m.Features, append([]float64(nil), m.EncoderWeights...)),
		encBias:    mat.NewVecDense(m.Hidden, append([]float64(nil), m.EncoderBias...)),
		decoder:    mat.NewDense(m.Features, m.Hidden, append([]float64(nil), m.DecoderWeights...)),
		decBias:    mat.NewVecDense(m.Features, append([]float64(nil), m.DecoderBias...)),
	}, nil
}

// Features returns the per-step feature count the engine accepts.
func (e *Engine) Features() int {
	return e.features
}

// Infer reconstructs every time step of in.
func (e *Engine) Infer(in *inference.Tensor) (*inference.Tensor, error) {
	shape := in.Shape()
	if shape.Features != e.features {
		return nil, &detectors.ShapeMismatchError{What: "tensor features", Want: e.features, Got: shape.Features}
	}

	rows := shape.Batch * shape.Steps
	if rows == 0 {
		return inference.NewTensor(shape), nil
	}

	x := mat.NewDense(rows, e.features, nil)
	src := in.Data()
	for i := 0; i < rows; i++ {
		for j := 0; j < e.features; j++ {
			x.Set(i, j, float64(src[i*e.features+j]))
		}
	}

	// H = act(X·Weᵀ + be)
	var h mat.Dense
	h.Mul(x, e.encoder.T())
	h.Apply(func(_, j int, v float64) float64 {
		return e.activation.apply(v + e.encBias.AtVec(j))
	}, &h)

	// Y = H·Wdᵀ + bd
	var y mat.Dense
	y.Mul(&h, e.decoder.T())

	out := inference.NewTensor(shape)
	dst := out.Data()
	for i := 0; i < rows; i++ {
		for j := 0; j < e.features; j++ {
			dst[i*e.features+j] = float32(y.At(i, j) + e.decBias.AtVec(j))
		}
	}
	return out, nil
}

// Loader reads a model blob from an asset source.
type Loader struct {
	Asset assets.Source
}

// Load fetches, decodes and checks the model against shape.
func (l Loader) Load(ctx context.Context, shape inference.Shape) (inference.Engine, error) {
	if l.Asset == nil {
		return nil, &detectors.ModelLoadError{Err: errors.New("no model asset configured")}
	}
	name := l.Asset.Name()

	data, err := assets.ReadAll(ctx, l.Asset)
	if err != nil {
		return nil, &detectors.ModelLoadError{Model: name, Err: err}
	}
	m, err := Load(data)
	if err != nil {
		return nil, &detectors.ModelLoadError{Model: name, Err: err}
	}
	if m.Features != shape.Features {
		return nil, &detectors.ModelLoadError{
			Model: name,
			Err:   fmt.Errorf("model has %d features, input shape is %s", m.Features, shape),
		}
	}
	if shape.Batch != 1 {
		return nil, &detectors.ModelLoadError{Model: name, Err: fmt.Errorf("unsupported batch size %d", shape.Batch)}
	}

	e, err := NewEngine(m)
	if err != nil {
		return nil, &detectors.ModelLoadError{Model: name, Err: err}
	}
	return e, nil
}
