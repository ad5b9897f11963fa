package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/backoff"
)

// Publisher delivers envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialOptions configures Dial.
type DialOptions struct {
	URL       string
	Exchange  string
	Retries   int
	RetryBase time.Duration
	Logger    *zap.Logger
}

// Dial connects with bounded exponential retry and declares the exchange.
func Dial(ctx context.Context, opts DialOptions) (*AMQPPublisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var conn *amqp.Connection
	err := backoff.Retry(ctx, opts.Retries, opts.RetryBase, nil, func(context.Context) error {
		c, err := amqp.Dial(opts.URL)
		if err != nil {
			logger.Warn("amqp dial failed", zap.Error(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: opts.Exchange, logger: logger.Named("relay")}, nil
}

// Publish sends env with its meta mapped onto the AMQP properties.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.Debug("published", zap.String("key", key), zap.String("exchange", p.exchange))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// LogPublisher stands in when no broker is configured: it logs and drops.
type LogPublisher struct{ Logger *zap.Logger }

var _ Publisher = LogPublisher{}

// Publish logs the routing key and event id.
func (l LogPublisher) Publish(_ context.Context, key string, env Envelope) error {
	if l.Logger != nil {
		l.Logger.Debug("relay disabled, event dropped", zap.String("key", key), zap.String("id", env.Meta.ID))
	}
	return nil
}

// Close is a no-op.
func (LogPublisher) Close() error { return nil }
