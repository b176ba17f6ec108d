// Package amqp consumes sensor samples published to a RabbitMQ queue.
//
// Each message body is a JSON object {"values":[x,y,z]}. Well-formed messages
// are acked once decoded; malformed ones are nacked without requeue so they
// go to the dead-letter exchange, if one is configured.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrStreamOnly is returned by Read: a queue has no end.
var ErrStreamOnly = errors.New("amqp: queue reader supports Stream only")

// Message is the JSON body of a sample message.
type Message struct {
	Values []float64 `json:"values"`
}

// Reader consumes samples from a durable queue.
type Reader struct {
	channel    *amqp.Channel
	queue      string
	exchange   string
	routingKey string
	prefetch   int
	logger     *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithBinding binds the queue to an exchange with the routing key.
func WithBinding(exchange, routingKey string) Option {
	return func(r *Reader) {
		r.exchange = exchange
		r.routingKey = routingKey
	}
}

// WithPrefetch sets the consumer prefetch count. Default 50.
func WithPrefetch(n int) Option {
	return func(r *Reader) {
		r.prefetch = n
	}
}

// WithLogger sets the logger for dropped messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// NewReader opens a channel on conn and declares the queue.
func NewReader(conn *amqp.Connection, queue string, opts ...Option) (*Reader, error) {
	r := &Reader{
		queue:    queue,
		prefetch: 50,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	r.channel = ch

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if r.exchange != "" {
		if err := ch.QueueBind(queue, r.routingKey, r.exchange, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	return r, nil
}

// Read is not supported.
func (r *Reader) Read() ([][]float64, error) {
	return nil, ErrStreamOnly
}

// Stream consumes the queue until ctx is cancelled or the channel closes.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	if r.channel == nil {
		return nil, errors.New("reader not initialized")
	}

	msgs, err := r.channel.ConsumeWithContext(ctx,
		r.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", r.queue, err)
	}

	out := make(chan []float64, r.prefetch)
	go func() {
		defer close(out)
		pump(ctx, msgs, out, r.logger)
	}()
	return out, nil
}

// Close closes the channel. The connection belongs to the caller.
func (r *Reader) Close() error {
	if r.channel == nil {
		return nil
	}
	return r.channel.Close()
}

func pump(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- []float64, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("amqp delivery channel closed")
				return
			}

			sample, err := Decode(msg.Body)
			if err != nil {
				logger.Warn("dropping malformed sample message", "error", err)
				msg.Nack(false, false)
				continue
			}

			select {
			case out <- sample:
				msg.Ack(false)
			case <-ctx.Done():
				msg.Nack(false, true)
				return
			}
		}
	}
}

// Decode parses a sample message body.
func Decode(body []byte) ([]float64, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if len(m.Values) == 0 {
		return nil, errors.New("no values")
	}
	for i, v := range m.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("value %d is not finite", i)
		}
	}
	return m.Values, nil
}
