// seqguard scores accelerometer and keystroke-latency streams with sequence
// autoencoders and reports reconstruction-error anomalies.
//
// Every flag defaults to a SEQGUARD_* environment variable; a .env file in
// the working directory is loaded first.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hed1ad/seqguard/pkg/assets"
	"github.com/hed1ad/seqguard/pkg/config"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/seqguard/pkg/detectors/keystroke"
	"github.com/hed1ad/seqguard/pkg/detectors/sequence"
	"github.com/hed1ad/seqguard/pkg/inference/dense"
	"github.com/hed1ad/seqguard/pkg/server"
)

// Movement pipelines.
const (
	// windowed models see per-axis mean and std features of overlapping
	// sample windows.
	windowed = "windowed"
	// raw models see the scaled samples themselves, as in the mobile app.
	raw = "raw"
)

var version = "dev"

// options are the flags shared by every command.
type options struct {
	logLevel      string
	pipeline      string
	modelConfig   string
	model         string
	typingConfig  string
	typingModel   string
	allowDefaults bool

	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Secure    bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	if err := fang.Execute(context.Background(), rootCmd()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "seqguard",
		Short: "Reconstruction-error anomaly detection for sensor streams",
		Long: `seqguard buffers accelerometer samples into overlapping windows, turns
each window into per-axis mean and standard deviation features, scales them,
and scores the feature sequence by the mean absolute error of its
reconstruction. With --pipeline raw the scaled samples themselves form the
sequence, as the mobile app's movement model expects. Keystroke latencies
are scored that way on their own channel.

Commands:
  serve     HTTP and websocket API for live readings
  replay    Score a recorded CSV or pcap capture
  model     Model file utilities`,
		Version:      version,
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.logLevel, "log-level", envOr("SEQGUARD_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	f.StringVar(&opts.pipeline, "pipeline", envOr("SEQGUARD_PIPELINE", windowed), "movement pipeline: windowed or raw")
	f.StringVar(&opts.modelConfig, "config", envOr("SEQGUARD_CONFIG", "model_config.json"), "movement model config (.json, .yaml)")
	f.StringVar(&opts.model, "model", envOr("SEQGUARD_MODEL", ""), "movement model file or s3://bucket/key")
	f.StringVar(&opts.typingConfig, "typing-config", envOr("SEQGUARD_TYPING_CONFIG", ""), "keystroke channel config (.json, .yaml)")
	f.StringVar(&opts.typingModel, "typing-model", envOr("SEQGUARD_TYPING_MODEL", ""), "keystroke model file or s3://bucket/key; empty disables the channel")
	f.BoolVar(&opts.allowDefaults, "allow-defaults", envBool("SEQGUARD_ALLOW_DEFAULTS", false), "fall back to built-in parameters when a config fails to load")
	f.StringVar(&opts.s3Endpoint, "s3-endpoint", envOr("SEQGUARD_S3_ENDPOINT", ""), "S3 endpoint for s3:// models")
	f.StringVar(&opts.s3AccessKey, "s3-access-key", envOr("SEQGUARD_S3_ACCESS_KEY", ""), "S3 access key")
	f.StringVar(&opts.s3SecretKey, "s3-secret-key", envOr("SEQGUARD_S3_SECRET_KEY", ""), "S3 secret key")
	f.BoolVar(&opts.s3Secure, "s3-secure", envBool("SEQGUARD_S3_SECURE", true), "use TLS for S3")

	root.AddCommand(
		serveCmd(opts),
		replayCmd(opts),
		modelCmd(),
	)
	return root
}

func (o *options) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", o.logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// asset resolves a model location to an asset source.
func (o *options) asset(location string) (assets.Source, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return assets.File(location), nil
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 location %q, want s3://bucket/key", location)
	}
	if o.s3Endpoint == "" {
		return nil, errors.New("s3 model requires --s3-endpoint")
	}
	return assets.NewS3(o.s3Endpoint, o.s3AccessKey, o.s3SecretKey, bucket, key, o.s3Secure)
}

// movement initializes the accelerometer detector of the configured
// pipeline. An initialization failure leaves the detector in the failed
// state and is returned alongside it; only a bad model location or pipeline
// returns no detector.
func (o *options) movement(ctx context.Context, logger *slog.Logger, observer detectors.Observer) (server.Detector, error) {
	var loader dense.Loader
	if o.model != "" {
		asset, err := o.asset(o.model)
		if err != nil {
			return nil, err
		}
		loader.Asset = asset
	}

	src := config.File(o.modelConfig)

	switch o.pipeline {
	case windowed:
		if o.allowDefaults {
			logger.Warn("windowed pipeline has no built-in parameters, config stays strict")
		}
		d := autoencoder.New(
			autoencoder.WithLogger(logger),
			autoencoder.WithObserver(observer),
		)
		return d, d.Initialize(ctx, src, loader)
	case raw:
		if o.allowDefaults {
			src = config.WithDefaults(src, config.DefaultRaw(), logger)
		}
		d := sequence.New(
			sequence.WithLogger(logger),
			sequence.WithObserver(observer),
		)
		return d, d.Initialize(ctx, src, loader)
	default:
		return nil, fmt.Errorf("unknown pipeline %q, want %s or %s", o.pipeline, windowed, raw)
	}
}

// typing initializes the keystroke detector. The channel is disabled, and
// no detector returned, when no typing model is configured.
func (o *options) typing(ctx context.Context, logger *slog.Logger, observer detectors.Observer) (*keystroke.Detector, error) {
	if o.typingModel == "" {
		return nil, nil
	}
	asset, err := o.asset(o.typingModel)
	if err != nil {
		return nil, err
	}

	var src config.Source
	switch {
	case o.typingConfig != "":
		src = config.File(o.typingConfig)
		if o.allowDefaults {
			src = config.WithDefaults(src, config.DefaultKeystroke(), logger)
		}
	case o.allowDefaults:
		logger.Warn("no keystroke config, running in degraded mode on built-in defaults")
		src = config.Value(config.DefaultKeystroke())
	default:
		return nil, errors.New("keystroke channel needs --typing-config or --allow-defaults")
	}

	d := keystroke.New(
		keystroke.WithLogger(logger),
		keystroke.WithObserver(observer),
	)
	return d, d.Initialize(ctx, src, dense.Loader{Asset: asset})
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
