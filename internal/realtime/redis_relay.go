package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRelayChannel   = "someday:inserts"
	defaultPublishTimeout = 2 * time.Second
)

var (
	errMissingRedisClient = errors.New("realtime: redis client is required")
	errMissingHub         = errors.New("realtime: hub is required")
)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisRelayConfig configures cross-instance fan-out through Redis pub/sub.
type RedisRelayConfig struct {
	Client  *redis.Client
	Hub     *Hub
	Channel string
	Origin  string
	Logger  *zap.Logger
}

// RedisRelay publishes local inserts to Redis and re-delivers inserts from other
// instances into the local hub.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  *zap.Logger
	ready   chan struct{}
}

// NewRedisRelay constructs a relay. Origin defaults to a random instance identifier.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRelayChannel
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  cfg.Client,
		hub:     cfg.Hub,
		channel: channel,
		origin:  origin,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

// Publish delivers the event locally and forwards it to the other instances.
func (r *RedisRelay) Publish(event InsertEvent) {
	event.Origin = r.origin
	r.hub.Publish(event)

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("realtime relay encode failed", zap.String("table", event.Table), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("realtime relay publish failed", zap.String("table", event.Table), zap.Error(err))
	}
}

// Ready is closed once Run has an active Redis subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes the relay channel until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	close(r.ready)
	r.logger.Info("realtime relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			var event InsertEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				r.logger.Warn("realtime relay decode failed", zap.Error(err))
				continue
			}
			if event.Origin == r.origin {
				continue
			}
			r.hub.Publish(event)
		}
	}
}
