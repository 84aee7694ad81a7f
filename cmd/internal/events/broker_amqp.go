package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultAMQPExchange is the fanout exchange shared by all courier processes.
const DefaultAMQPExchange = "courier.events"

// AMQPBroker fans envelopes across processes through a RabbitMQ fanout exchange.
// Each process consumes from its own exclusive, auto-delete queue.
type AMQPBroker struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger

	mu  sync.Mutex // guards pub; amqp channels are not safe for concurrent publishes
	pub *amqp.Channel
}

// NewAMQPBroker dials url and declares the exchange.
func NewAMQPBroker(url, exchange string, log *slog.Logger) (*AMQPBroker, error) {
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return &AMQPBroker{conn: conn, exchange: exchange, log: log, pub: ch}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pub.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

func (b *AMQPBroker) Subscribe(ctx context.Context, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp queue bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp consume: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(d.Body, &env); err != nil {
					b.log.Warn("events.amqp.decode.fail", "err", err)
					continue
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	if b.pub != nil {
		_ = b.pub.Close()
	}
	b.mu.Unlock()
	return b.conn.Close()
}
