package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
)

// DefaultPublishTimeout bounds one publish call.
const DefaultPublishTimeout = 5 * time.Second

// Publisher is the part of a Redis client the sink needs. *redis.Client
// implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOptions configures NewRedisClientSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration
}

// RedisSink publishes notifications as JSON on a Redis pub/sub channel.
type RedisSink struct {
	pub     Publisher
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisSink creates a sink that publishes through pub.
func NewRedisSink(pub Publisher, channel string, timeout time.Duration, logger zerolog.Logger) *RedisSink {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &RedisSink{
		pub:     pub,
		channel: channel,
		timeout: timeout,
		logger:  logger.With().Str("component", "notify-redis").Str("channel", channel).Logger(),
	}
}

// NewRedisClientSink connects to Redis and returns a sink that owns the client.
// The connection is checked with PING.
func NewRedisClientSink(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	sink := NewRedisSink(client, opts.Channel, opts.Timeout, logger)
	sink.client = client
	return sink, nil
}

// Notify implements engine.NotificationSink.
func (s *RedisSink) Notify(ctx context.Context, n engine.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return engine.NewPermanentError("failed to encode notification", err).
			WithOperation("notify.redis")
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	receivers, err := s.pub.Publish(pubCtx, s.channel, payload).Result()
	if err != nil {
		return engine.NewTransientError("failed to publish notification", err).
			WithOperation("notify.redis").
			WithResource(s.channel)
	}

	s.logger.Debug().
		Str("mission_id", n.MissionID).
		Int64("receivers", receivers).
		Msg("Notification published")
	return nil
}

// Close closes the Redis client when the sink created it.
func (s *RedisSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
