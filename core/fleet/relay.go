package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Relay mirrors hub broadcasts across workers through a redis channel, so a
// push reaches an agent no matter which process holds its session. Each
// worker tags its messages with an origin id and skips its own on receive.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	log     *slog.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayChannel overrides the redis channel name.
func WithRelayChannel(channel string) RelayOption {
	return func(r *Relay) { r.channel = channel }
}

// WithRelayLogger sets the logger.
func WithRelayLogger(log *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = log }
}

type relayEnvelope struct {
	Origin  string  `json:"origin"`
	Group   string  `json:"group"`
	Message Message `json:"message"`
}

// NewRelay creates a relay on the given redis client.
func NewRelay(client *redis.Client, opts ...RelayOption) *Relay {
	r := &Relay{
		client:  client,
		channel: "fleet:broadcast",
		origin:  uuid.NewString(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish mirrors one broadcast to the other workers.
func (r *Relay) Publish(ctx context.Context, group string, msg Message) error {
	raw, err := json.Marshal(relayEnvelope{Origin: r.origin, Group: group, Message: msg})
	if err != nil {
		return fmt.Errorf("fleet: marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("fleet: relay publish: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel and feeds foreign broadcasts into the
// local hub. It blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.log.Warn("malformed relay message dropped", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			hub.Broadcast(env.Group, env.Message)
		}
	}
}
