package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/hed1ad/seqguard/pkg/cache"
	amqpio "github.com/hed1ad/seqguard/pkg/io/amqp"
	"github.com/hed1ad/seqguard/pkg/metrics"
	"github.com/hed1ad/seqguard/pkg/server"
)

type serveOptions struct {
	addr          string
	redisAddr     string
	redisPassword string
	redisDB       int
	statusTTL     time.Duration
	amqpURL       string
	amqpQueue     string
	amqpExchange  string
	amqpKey       string
}

func serveCmd(opts *options) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		Long: `serve accepts accelerometer readings and key presses over HTTP,
streams status updates over a websocket at /v1/stream, and exports
Prometheus metrics at /metrics.

With --redis-addr the latest status of each channel is cached in Redis.
With --amqp-url accelerometer readings are also consumed from a RabbitMQ
queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, opts, so)
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.addr, "addr", envOr("SEQGUARD_ADDR", ":8080"), "listen address")
	f.StringVar(&so.redisAddr, "redis-addr", envOr("SEQGUARD_REDIS_ADDR", ""), "redis address for the status cache; empty disables it")
	f.StringVar(&so.redisPassword, "redis-password", envOr("SEQGUARD_REDIS_PASSWORD", ""), "redis password")
	f.IntVar(&so.redisDB, "redis-db", envInt("SEQGUARD_REDIS_DB", 0), "redis database")
	f.DurationVar(&so.statusTTL, "status-ttl", cache.DefaultTTL, "lifetime of a cached status")
	f.StringVar(&so.amqpURL, "amqp-url", envOr("SEQGUARD_AMQP_URL", ""), "RabbitMQ URL for queued readings; empty disables it")
	f.StringVar(&so.amqpQueue, "amqp-queue", envOr("SEQGUARD_AMQP_QUEUE", "seqguard.readings"), "queue of reading messages")
	f.StringVar(&so.amqpExchange, "amqp-exchange", envOr("SEQGUARD_AMQP_EXCHANGE", ""), "exchange to bind the queue to")
	f.StringVar(&so.amqpKey, "amqp-routing-key", envOr("SEQGUARD_AMQP_ROUTING_KEY", "readings"), "routing key of the binding")

	return cmd
}

func serve(ctx context.Context, opts *options, so *serveOptions) error {
	logger, err := opts.logger()
	if err != nil {
		return err
	}

	// A detector that fails to initialize stays in the failed state and its
	// channel is reported as unavailable; the server keeps running.
	movement, err := opts.movement(ctx, logger, metrics.NewObserver(server.Movement))
	if movement == nil {
		return err
	}
	if err != nil {
		logger.Error("movement channel unavailable", "error", err)
	}

	// A nil *keystroke.Detector must not become a non-nil interface.
	var typing server.KeystrokeDetector
	k, err := opts.typing(ctx, logger, metrics.NewObserver(server.Typing))
	switch {
	case err != nil && k == nil:
		return err
	case err != nil:
		logger.Error("typing channel unavailable", "error", err)
	}
	if k != nil {
		typing = k
	}

	monitorOpts := []server.MonitorOption{server.WithMonitorLogger(logger)}
	handlerOpts := []server.HandlerOption{server.WithLogger(logger)}

	if so.redisAddr != "" {
		statusCache, err := cache.NewStatusCache(ctx, so.redisAddr, so.redisPassword, so.redisDB, so.statusTTL)
		if err != nil {
			logger.Warn("running without status cache", "error", err)
		} else {
			defer statusCache.Close()
			logger.Info("connected to redis", "addr", so.redisAddr)
			monitorOpts = append(monitorOpts, server.WithStore(statusCache))
			handlerOpts = append(handlerOpts, server.WithPinger(statusCache))
		}
	}

	monitor := server.NewMonitor(movement, typing, monitorOpts...)
	logger.Info("monitor started", "session", monitor.Session(), "status", monitor.Text())

	if so.amqpURL != "" {
		stop, err := consume(ctx, so, monitor, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	srv := &http.Server{
		Addr:         so.addr,
		Handler:      server.NewHandler(monitor, handlerOpts...).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", so.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// consume feeds queued readings to the movement channel until ctx is done.
func consume(ctx context.Context, so *serveOptions, monitor *server.Monitor, logger *slog.Logger) (func(), error) {
	conn, err := amqp.Dial(so.amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	var readerOpts []amqpio.Option
	readerOpts = append(readerOpts, amqpio.WithLogger(logger))
	if so.amqpExchange != "" {
		readerOpts = append(readerOpts, amqpio.WithBinding(so.amqpExchange, so.amqpKey))
	}

	reader, err := amqpio.NewReader(conn, so.amqpQueue, readerOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	samples, err := reader.Stream(ctx)
	if err != nil {
		reader.Close()
		conn.Close()
		return nil, err
	}
	logger.Info("consuming readings", "queue", so.amqpQueue)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sample := range samples {
			monitor.Reading(ctx, sample)
		}
	}()

	return func() {
		reader.Close()
		conn.Close()
		<-done
	}, nil
}
