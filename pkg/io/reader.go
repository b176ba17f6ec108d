// Package io provides raw sample feeds and result sinks.
package io

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Reader is the interface for reading raw sensor samples from various
// sources.
type Reader interface {
	// Read returns every sample in the source.
	Read() ([][]float64, error)

	// Stream returns a channel of samples for real-time processing.
	Stream(ctx context.Context) (<-chan []float64, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// Close releases resources.
	Close() error
}

// Result represents an anomaly detection result.
type Result struct {
	Timestamp  time.Time `json:"timestamp"`
	Channel    string    `json:"channel"`
	Sample     int       `json:"sample"`
	ErrorScore float64   `json:"error_score"`
	IsAnomaly  bool      `json:"is_anomaly"`
}

// JSONWriter writes results as JSON lines.
type JSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewJSONWriter creates a JSONWriter on w.
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w), w: w}
}

// Write encodes one result per line.
func (j *JSONWriter) Write(result Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(result)
}

// Close closes the underlying writer when it is an io.Closer.
func (j *JSONWriter) Close() error {
	if c, ok := j.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
