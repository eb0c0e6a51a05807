package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const reconnectDelay = 2 * time.Second

// Redis implements Backplane on a Redis pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
	log     zerolog.Logger
}

func NewRedis(client redis.UniversalClient, channel string, logger zerolog.Logger) *Redis {
	if channel == "" {
		channel = "gochat:broadcast"
	}

	return &Redis{
		client:  client,
		channel: channel,
		log:     logger,
	}
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context) <-chan Envelope {
	out := make(chan Envelope, 256)

	go func() {
		defer close(out)

		for {
			err := r.consume(ctx, out)
			if ctx.Err() != nil {
				return
			}

			r.log.Warn().Err(err).Str("channel", r.channel).Dur("retry_in", reconnectDelay).Msg("broadcast subscription lost")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	return out
}

func (r *Redis) consume(ctx context.Context, out chan<- Envelope) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed broadcast envelope")
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
