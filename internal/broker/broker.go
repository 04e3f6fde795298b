// Package broker wraps the Redis client operations the notes worker needs:
// stream append/read/ack, consumer-group management, auto-claim, set and
// sorted-set primitives, and the single scripted evaluation the delay queue
// needs to pop due retries atomically.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrGroupExists is returned (and should be swallowed) when a consumer
// group already exists on the target stream.
var ErrGroupExists = errors.New("broker: consumer group already exists")

// Stream is a single delivered stream entry.
type Stream struct {
	ID     string
	Values map[string]string
}

// Broker is the capability surface the notes worker depends on. It is
// injected into every component instead of handing out a Redis client
// singleton, so components can be tested against a fake implementation.
type Broker interface {
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Stream, error)
	XAck(ctx context.Context, stream, group, id string) error
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string) ([]Stream, error)
	XGroupCreate(ctx context.Context, stream, group, start string) error
	XPending(ctx context.Context, stream, group string) (int64, error)

	SIsMember(ctx context.Context, key, member string) (bool, error)
	SAdd(ctx context.Context, key, member string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	HSet(ctx context.Context, key, field, value string) error
	HMGet(ctx context.Context, key string, fields []string) ([]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// PopDueRetries atomically selects and removes sorted-set members with
	// score <= now (up to max) via a single Lua script, so two workers
	// draining concurrently never claim the same member (P5).
	PopDueRetries(ctx context.Context, zsetKey string, now float64, max int64) ([]string, error)

	Ping(ctx context.Context) error
}

// RedisBroker implements Broker against a real *redis.Client.
type RedisBroker struct {
	client    *redis.Client
	logger    *logrus.Logger
	popScript *redis.Script
}

// Config configures the Redis connection used by RedisBroker.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// popDueRetriesScript selects and removes due members from the retry
// sorted set in one atomic round trip. Ordering matters: the members are
// read and removed before any caller can observe them twice, which is the
// only thing standing between two concurrent drains and a duplicate
// redelivery (§4.5, P5).
const popDueRetriesScript = `
local zset_key = KEYS[1]
local now_score = ARGV[1]
local limit = tonumber(ARGV[2])
local members = redis.call('ZRANGEBYSCORE', zset_key, '-inf', now_score, 'LIMIT', 0, limit)
if #members > 0 then
  redis.call('ZREM', zset_key, unpack(members))
end
return members
`

// Connect dials Redis with unbounded-retry, bounded-delay semantics: it
// loops on connection failure, logging a warning and invoking onRetry
// (used by the caller to touch the liveness file) each pass, and returns
// once a Ping succeeds, or with ctx's error once ctx is done.
func Connect(ctx context.Context, cfg Config, logger *logrus.Logger, retryDelay time.Duration, onRetry func()) (*RedisBroker, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.PoolSize = cfg.PoolSize

	client := redis.NewClient(opt)

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			break
		}

		logger.WithError(err).Warn("Waiting for broker connection")
		if onRetry != nil {
			onRetry()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	logger.Info("Connected to broker")

	return &RedisBroker{
		client:    client,
		logger:    logger,
		popScript: redis.NewScript(popDueRetriesScript),
	}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (b *RedisBroker) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Stream, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []Stream
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, Stream{ID: msg.ID, Values: stringifyValues(msg.Values)})
		}
	}
	return out, nil
}

func (b *RedisBroker) XAck(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

func (b *RedisBroker) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string) ([]Stream, error) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	out := make([]Stream, 0, len(messages))
	for _, msg := range messages {
		out = append(out, Stream{ID: msg.ID, Values: stringifyValues(msg.Values)})
	}
	return out, nil
}

func (b *RedisBroker) XGroupCreate(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return ErrGroupExists
		}
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBroker) XPending(ctx context.Context, stream, group string) (int64, error) {
	info, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return info.Count, nil
}

func (b *RedisBroker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (b *RedisBroker) SAdd(ctx context.Context, key, member string) error {
	if err := b.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) HSet(ctx context.Context, key, field, value string) error {
	if err := b.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) HMGet(ctx context.Context, key string, fields []string) ([]string, error) {
	res, err := b.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", key, err)
	}
	out := make([]string, len(res))
	for i, v := range res {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (b *RedisBroker) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) PopDueRetries(ctx context.Context, zsetKey string, now float64, max int64) ([]string, error) {
	res, err := b.popScript.Run(ctx, b.client, []string{zsetKey}, now, max).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop due retries %s: %w", zsetKey, err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(raw))
	for _, m := range raw {
		if s, ok := m.(string); ok {
			members = append(members, s)
		}
	}
	return members, nil
}

func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}
