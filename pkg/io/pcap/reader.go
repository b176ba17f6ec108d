// Package pcap replays sensor samples captured from UDP sensor streams.
//
// Phone sensor apps commonly stream readings as UDP datagrams whose payload
// is a comma-separated list of numbers. A capture of such a stream can be
// replayed through a detector without the device.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Reader extracts samples from UDP payloads in a pcap capture.
type Reader struct {
	file    io.Closer
	source  *gopacket.PacketSource
	port    layers.UDPPort
	fields  []int
	skipped int
}

// Option configures a Reader.
type Option func(*Reader)

// WithPort keeps only datagrams sent to the given UDP port.
func WithPort(port uint16) Option {
	return func(r *Reader) {
		r.port = layers.UDPPort(port)
	}
}

// WithFields selects the payload fields, by zero-based index, that form a
// sample. By default every field is used.
func WithFields(idx ...int) Option {
	return func(r *Reader) {
		r.fields = idx
	}
}

// NewFileReader opens a pcap capture file.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewReader reads a pcap capture from src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}

	r := &Reader{
		source: gopacket.NewPacketSource(pr, pr.LinkType()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Skipped returns the number of UDP datagrams that did not parse as a
// sample.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns every sample in the capture.
func (r *Reader) Read() ([][]float64, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	var data [][]float64
	for packet := range r.source.Packets() {
		if sample, ok := r.extract(packet); ok {
			data = append(data, sample)
		}
	}
	return data, nil
}

// Stream returns a channel of samples for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan []float64, 1000)
	packets := r.source.Packets()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packets:
				if !ok {
					return
				}
				sample, ok := r.extract(packet)
				if !ok {
					continue
				}
				select {
				case out <- sample:
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
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) extract(packet gopacket.Packet) ([]float64, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp := udpLayer.(*layers.UDP)
	if r.port != 0 && udp.DstPort != r.port {
		return nil, false
	}

	sample, err := ParsePayload(udp.Payload, r.fields)
	if err != nil {
		r.skipped++
		return nil, false
	}
	return sample, true
}

// ParsePayload parses a comma- or whitespace-separated list of numbers and
// returns the selected fields.
func ParsePayload(payload []byte, fields []int) ([]float64, error) {
	parts := strings.FieldsFunc(string(payload), func(c rune) bool {
		return c == ',' || c == ';' || c == ' ' || c == '\t' || c == '\n' || c == '\r'
	})
	if len(parts) == 0 {
		return nil, errors.New("empty payload")
	}

	if len(fields) == 0 {
		fields = make([]int, len(parts))
		for i := range fields {
			fields[i] = i
		}
	}

	sample := make([]float64, len(fields))
	for i, idx := range fields {
		if idx < 0 || idx >= len(parts) {
			return nil, fmt.Errorf("payload has %d fields, need field %d", len(parts), idx)
		}
		v, err := strconv.ParseFloat(parts[idx], 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d is not finite", idx)
		}
		sample[i] = v
	}
	return sample, nil
}
