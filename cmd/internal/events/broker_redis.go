package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by all courier processes.
const DefaultRedisChannel = "courier:events"

// RedisBroker fans envelopes across processes over Redis pub/sub.
// Redis serializes publishes on one channel, so every process applies envelopes in the same order.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisBroker connects to url (redis://...) and verifies the connection.
func NewRedisBroker(ctx context.Context, url, channel string, log *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{client: client, channel: channel, log: log}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, body).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn("events.redis.decode.fail", "err", err)
					continue
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error { return b.client.Close() }
