package pcap

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture builds an in-memory pcap file with one UDP datagram per payload.
func capture(t *testing.T, dstPort uint16, payloads ...string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	for i, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 20),
			DstIP:    net.IPv4(192, 168, 1, 10),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		pkt := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(pkt, opts, eth, ip, udp, gopacket.Payload(p)))

		data := pkt.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return &buf
}

func TestRead(t *testing.T) {
	buf := capture(t, 5555,
		"0.01,-0.02,9.81",
		"0.02, -0.01, 9.80",
		"garbage",
		"0.03 0.00 9.82",
	)

	r, err := NewReader(buf, WithPort(5555))
	require.NoError(t, err)
	defer r.Close()

	data, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{
		{0.01, -0.02, 9.81},
		{0.02, -0.01, 9.80},
		{0.03, 0.00, 9.82},
	}, data)
	assert.Equal(t, 1, r.Skipped())
}

func TestReadFiltersPort(t *testing.T) {
	r, err := NewReader(capture(t, 6000, "1,2,3"), WithPort(5555))
	require.NoError(t, err)

	data, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStreamWithFields(t *testing.T) {
	// timestamp, sensor id, x, y, z
	buf := capture(t, 5555, "1000.5,3,0.1,0.2,9.7", "1000.6,3,0.2,0.1,9.8")

	r, err := NewReader(buf, WithFields(2, 3, 4))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var rows [][]float64
	for row := range ch {
		rows = append(rows, row)
	}
	assert.Equal(t, [][]float64{{0.1, 0.2, 9.7}, {0.2, 0.1, 9.8}}, rows)
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		fields  []int
		want    []float64
		wantErr bool
	}{
		{name: "comma", payload: "1,2,3", want: []float64{1, 2, 3}},
		{name: "semicolon and newline", payload: "1;2;3\n", want: []float64{1, 2, 3}},
		{name: "selected", payload: "9,1,2,3", fields: []int{1, 3}, want: []float64{1, 3}},
		{name: "empty", payload: "", wantErr: true},
		{name: "out of range", payload: "1,2", fields: []int{2}, wantErr: true},
		{name: "not a number", payload: "x,y,z", wantErr: true},
		{name: "nan", payload: "1,NaN,3", wantErr: true},
		{name: "infinite", payload: "1,2,-Inf", wantErr: true},
		{name: "unselected nan", payload: "NaN,1,2", fields: []int{1, 2}, want: []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.payload), tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewReaderRejectsNonPcap(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a capture file")))
	assert.Error(t, err)
}
