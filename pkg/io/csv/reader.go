// Package csv reads recorded sensor samples from CSV files, one sample per
// row.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Reader reads samples from CSV data.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	columns   []int
	names     []string
	skipped   int
	logger    *slog.Logger
	err       error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithColumns selects the sample axes by zero-based column index, for
// example to skip a leading timestamp column. By default every column is an
// axis.
func WithColumns(idx ...int) Option {
	return func(r *Reader) {
		r.columns = idx
	}
}

// WithColumnNames selects the sample axes by header name. It requires a
// header row and overrides WithColumns.
func WithColumnNames(names ...string) Option {
	return func(r *Reader) {
		r.names = names
	}
}

// WithLogger sets the logger for Stream.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// NewReader opens a CSV file.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReaderFrom reads CSV data from an arbitrary reader.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, opts...)
}

func newReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
		logger:    slog.Default(),
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, err
		}
		r.headers = headers
	}

	if len(r.names) > 0 {
		if !r.hasHeader {
			return nil, errors.New("csv: column names require a header row")
		}
		cols, err := lookup(r.headers, r.names)
		if err != nil {
			return nil, err
		}
		r.columns = cols
	}

	return r, nil
}

func lookup(headers, names []string) ([]int, error) {
	cols := make([]int, len(names))
	for i, name := range names {
		cols[i] = -1
		for j, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				cols[i] = j
				break
			}
		}
		if cols[i] < 0 {
			return nil, fmt.Errorf("csv: no column %q", name)
		}
	}
	return cols, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows skipped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Err returns the error that ended Stream early, or nil after a clean EOF.
// It is valid once the Stream channel is closed.
func (r *Reader) Err() error {
	return r.err
}

// next returns the next well-formed sample. Malformed rows are counted and
// skipped; any other read error ends the data.
func (r *Reader) next() ([]float64, error) {
	for {
		record, err := r.reader.Read()
		var parseErr *csv.ParseError
		switch {
		case errors.As(err, &parseErr):
			r.skipped++
			continue
		case err != nil:
			return nil, err
		}

		row, err := r.parseRow(record)
		if err != nil {
			r.skipped++
			continue
		}
		return row, nil
	}
}

// Read returns all samples.
func (r *Reader) Read() ([][]float64, error) {
	var data [][]float64

	for {
		row, err := r.next()
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		data = append(data, row)
	}
}

// Stream returns a channel of samples for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	out := make(chan []float64, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				row, err := r.next()
				if err == io.EOF {
					return
				}
				if err != nil {
					r.err = err
					r.logger.Error("csv stream stopped", "error", err, "skipped", r.skipped)
					return
				}

				select {
				case out <- row:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRow converts the selected fields to a sample.
func (r *Reader) parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}

	cols := r.columns
	if len(cols) == 0 {
		cols = make([]int, len(record))
		for i := range cols {
			cols[i] = i
		}
	}

	row := make([]float64, len(cols))
	for i, c := range cols {
		if c < 0 || c >= len(record) {
			return nil, fmt.Errorf("row has %d fields, need column %d", len(record), c)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("column %d is not finite", c)
		}
		row[i] = f
	}
	return row, nil
}
