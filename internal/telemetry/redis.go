package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RunHistoryLength is how many events are kept in each run list.
const RunHistoryLength = 1000

// redisClient is the part of *redis.Client used by RedisPublisher.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisOptions configures NewRedisPublisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher publishes every event on a channel and keeps the recent
// events of each run in a list named reflow:<run-id>:events.
type RedisPublisher struct {
	client  redisClient
	channel string
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewRedisPublisher connects to Redis and checks the connection.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, log logrus.FieldLogger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	log.WithField("addr", opts.Addr).Info("redis connected")
	return newRedisPublisher(client, opts.Channel, log), nil
}

func newRedisPublisher(client redisClient, channel string, log logrus.FieldLogger) *RedisPublisher {
	if channel == "" {
		channel = "reflow:events"
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		log:     log,
	}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Handle(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}

	if e.RunID == "" {
		return nil
	}

	key := RunKey(e.RunID)
	if err := p.client.LPush(ctx, key, data).Err(); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("redis list push failed")
		return nil
	}
	if err := p.client.LTrim(ctx, key, 0, RunHistoryLength-1).Err(); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("redis list trim failed")
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// RunKey is the list holding the events of a run.
func RunKey(runID string) string {
	return fmt.Sprintf("reflow:%s:events", runID)
}
