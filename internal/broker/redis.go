package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticket-chat/internal/models"
	"ticket-chat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

// envelope is what travels over Redis.
type envelope struct {
	RoomID string       `json:"room_id"`
	Event  models.Event `json:"event"`
}

// Redis publishes room events on "<prefix>:room:<id>" and feeds events from
// every room back into the local registry through one pattern subscription.
type Redis struct {
	client *redis.Client
	prefix string
	target Deliverer
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedis(ctx context.Context, cfg RedisConfig, target Deliverer) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedis(client, cfg.ChannelPrefix, target), nil
}

func newRedis(client *redis.Client, prefix string, target Deliverer) *Redis {
	if prefix == "" {
		prefix = "ticket_chat"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		target: target,
		done:   make(chan struct{}),
	}
}

func (b *Redis) channel(roomID string) string {
	return fmt.Sprintf("%s:room:%s", b.prefix, roomID)
}

func (b *Redis) Publish(ctx context.Context, roomID string, ev models.Event) error {
	data, err := json.Marshal(envelope{RoomID: roomID, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Start subscribes to all rooms and returns once the subscription is live,
// so that nothing published afterwards is missed.
func (b *Redis) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.PSubscribe(ctx, b.prefix+":room:*")
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	b.cancel = cancel
	go b.consume(ctx, pubsub)

	l := logger.L()
	l.Info().Str("pattern", b.prefix+":room:*").Msg("room broker subscribed")
	return nil
}

func (b *Redis) consume(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Redis) handle(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l := logger.L()
		l.Warn().Err(err).Str("channel", channel).Msg("dropping malformed room event")
		return
	}
	if env.RoomID == "" {
		env.RoomID = strings.TrimPrefix(channel, b.prefix+":room:")
	}
	b.target.Deliver(env.RoomID, env.Event)
}

func (b *Redis) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.client.Close()
}
