package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/shoplane/livechat/internal/logging"
)

// Publisher delivers event envelopes to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *logging.Logger
}

// New connects to RabbitMQ and declares the topic exchange events are
// published on.
func New(url, exchange string, log *logging.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.Sub("events"),
	}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.Meta.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err == nil {
		p.log.Debug().Str("key", key).Str("exchange", p.exchange).Msg("event published")
	}
	return err
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}

// fallbackPublisher is used when no broker is configured; events are
// dropped with a debug note so the core keeps working standalone.
type fallbackPublisher struct {
	log *logging.Logger
}

// NewFallback returns a no-op publisher.
func NewFallback(log *logging.Logger) Publisher {
	return &fallbackPublisher{log: log.Sub("events")}
}

func (p *fallbackPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	p.log.Debug().Str("key", key).Msg("no broker configured, event dropped")
	return nil
}

func (p *fallbackPublisher) Close() error {
	return nil
}
