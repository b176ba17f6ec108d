package csv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recording = `timestamp,x,y,z
1000,0.01,-0.02,9.81
1010,0.02,-0.01,9.80
1020,bad,0.00,9.79
1030,0.00,0.01
1040,0.03,0.00,9.82
`

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		want    [][]float64
		skipped int
	}{
		{
			name: "column names",
			opts: []Option{WithColumnNames("x", "y", "z")},
			want: [][]float64{
				{0.01, -0.02, 9.81},
				{0.02, -0.01, 9.80},
				{0.03, 0.00, 9.82},
			},
			skipped: 2,
		},
		{
			name: "column indices",
			opts: []Option{WithColumns(3)},
			want: [][]float64{{9.81}, {9.80}, {9.79}, {9.82}},
			// The short row lacks column 3.
			skipped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReaderFrom(strings.NewReader(recording), tt.opts...)
			require.NoError(t, err)
			defer r.Close()

			data, err := r.Read()
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
			assert.Equal(t, tt.skipped, r.Skipped())
			assert.Equal(t, []string{"timestamp", "x", "y", "z"}, r.Headers())
		})
	}
}

func TestReadAllColumnsWithoutHeader(t *testing.T) {
	r, err := NewReaderFrom(strings.NewReader("1,2\n3,4\n"), WithHeader(false))
	require.NoError(t, err)

	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, data)
}

func TestUnknownColumnName(t *testing.T) {
	_, err := NewReaderFrom(strings.NewReader(recording), WithColumnNames("w"))
	assert.Error(t, err)

	_, err = NewReaderFrom(strings.NewReader(recording), WithHeader(false), WithColumnNames("x"))
	assert.Error(t, err)
}

func TestStreamFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.csv")
	require.NoError(t, os.WriteFile(path, []byte(recording), 0o600))

	r, err := NewReader(path, WithColumns(1, 2, 3))
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var rows [][]float64
	for row := range ch {
		rows = append(rows, row)
	}
	assert.Len(t, rows, 3)
	assert.Equal(t, []float64{0.01, -0.02, 9.81}, rows[0])
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestMalformedAndNonFiniteRowsAreSkipped(t *testing.T) {
	data := "x,y\n1,2\n\"3,4\n"
	r, err := NewReaderFrom(strings.NewReader("x,y\n1,2\nNaN,1\n2,+Inf\n3,4\n"))
	require.NoError(t, err)

	rows, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rows)
	assert.Equal(t, 2, r.Skipped())

	r, err = NewReaderFrom(strings.NewReader(data))
	require.NoError(t, err)
	rows, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}}, rows)
	assert.Equal(t, 1, r.Skipped())
}

func TestReadError(t *testing.T) {
	r, err := NewReaderFrom(iotest.ErrReader(errors.New("connection reset")), WithHeader(false))
	require.NoError(t, err)

	_, err = r.Read()
	assert.ErrorContains(t, err, "connection reset")
}

func TestStreamStopsOnReadError(t *testing.T) {
	src := io.MultiReader(
		strings.NewReader("1,2\n3,4\n"),
		iotest.ErrReader(errors.New("connection reset")),
	)
	r, err := NewReaderFrom(src, WithHeader(false), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var rows [][]float64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for row := range ch {
			rows = append(rows, row)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after a read error")
	}
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rows)
	assert.ErrorContains(t, r.Err(), "connection reset")
}
