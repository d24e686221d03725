package realtime

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus bridges the event channel over redis pub/sub so every terminal
// and every service instance sees the same pushes.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(addr string, password string, db int) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBus{client: client}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Publish(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, event, encoded).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, events ...string) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, events...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- Event{Name: msg.Channel, Payload: json.RawMessage(msg.Payload)}:
			default:
				log.Printf("[realtime] WARN: dropping %s event for slow subscriber", msg.Channel)
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[realtime] WARN: pubsub close: %v", err)
		}
	}
	return out, cancel, nil
}
