package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/seqguard/pkg/detectors"
	seqio "github.com/hed1ad/seqguard/pkg/io"
	"github.com/hed1ad/seqguard/pkg/io/csv"
	"github.com/hed1ad/seqguard/pkg/io/pcap"
	"github.com/hed1ad/seqguard/pkg/metrics"
	"github.com/hed1ad/seqguard/pkg/server"
)

type replayOptions struct {
	format  string
	columns []string
	fields  []int
	port    uint16
	output  string
	all     bool
}

func replayCmd(opts *options) *cobra.Command {
	ro := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <recording>",
		Short: "Score a recorded CSV or pcap capture",
		Long: `replay feeds every sample of a recording through the movement detector
and writes one JSON line per scored sequence.

CSV recordings hold one sample per row. pcap captures hold UDP datagrams
whose payload is a comma-separated sample, as sent by phone sensor
streaming apps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.Context(), opts, ro, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.format, "format", "", "csv or pcap; default from the file extension")
	f.StringSliceVar(&ro.columns, "columns", nil, "CSV columns holding the axes, by header name")
	f.IntSliceVar(&ro.fields, "fields", nil, "CSV columns or pcap payload fields holding the axes, by index")
	f.Uint16Var(&ro.port, "port", 0, "pcap: UDP destination port; 0 accepts any")
	f.StringVarP(&ro.output, "output", "o", "-", "output file, - for stdout")
	f.BoolVar(&ro.all, "all", false, "write normal sequences too, not only anomalies")

	return cmd
}

func replay(ctx context.Context, opts *options, ro *replayOptions, path string) error {
	logger, err := opts.logger()
	if err != nil {
		return err
	}

	d, err := opts.movement(ctx, logger, metrics.NewObserver(server.Movement))
	if err != nil {
		return err
	}

	reader, err := openRecording(path, ro)
	if err != nil {
		return err
	}
	defer reader.Close()

	w := seqio.NewJSONWriter(os.Stdout)
	if ro.output != "-" {
		f, err := os.Create(ro.output)
		if err != nil {
			return err
		}
		w = seqio.NewJSONWriter(f)
		defer w.Close()
	}

	n, anomalies, err := score(ctx, d, reader, w, ro.all)
	if err != nil {
		return err
	}
	logger.Info("replay finished", "samples", n, "anomalies", anomalies)
	return nil
}

func openRecording(path string, ro *replayOptions) (seqio.Reader, error) {
	format := ro.format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	switch format {
	case "csv":
		var csvOpts []csv.Option
		if len(ro.columns) > 0 {
			csvOpts = append(csvOpts, csv.WithColumnNames(ro.columns...))
		}
		if len(ro.fields) > 0 {
			csvOpts = append(csvOpts, csv.WithColumns(ro.fields...))
		}
		return csv.NewReader(path, csvOpts...)
	case "pcap":
		var pcapOpts []pcap.Option
		if ro.port != 0 {
			pcapOpts = append(pcapOpts, pcap.WithPort(ro.port))
		}
		if len(ro.fields) > 0 {
			pcapOpts = append(pcapOpts, pcap.WithFields(ro.fields...))
		}
		return pcap.NewFileReader(path, pcapOpts...)
	default:
		return nil, fmt.Errorf("unknown recording format %q, want csv or pcap", format)
	}
}

// score streams the recording through d and writes scored sequences. It
// returns the number of samples read and of anomalies found.
func score(ctx context.Context, d detectors.StreamDetector, reader seqio.Reader, w seqio.Writer, all bool) (int, int, error) {
	samples, err := reader.Stream(ctx)
	if err != nil {
		return 0, 0, err
	}

	var n, anomalies int
	for sample := range samples {
		n++
		r, ok := d.AddReading(sample)
		if !ok {
			continue
		}
		if r.IsAnomaly {
			anomalies++
		}
		if !r.IsAnomaly && !all {
			continue
		}
		if err := w.Write(result(n, r)); err != nil {
			return n, anomalies, err
		}
	}
	return n, anomalies, ctx.Err()
}

func result(sample int, r detectors.Result) seqio.Result {
	return seqio.Result{
		Timestamp:  time.Now().UTC(),
		Channel:    server.Movement,
		Sample:     sample,
		ErrorScore: r.ErrorScore,
		IsAnomaly:  r.IsAnomaly,
	}
}
