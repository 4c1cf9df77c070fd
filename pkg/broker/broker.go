package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codehub-dev/codehub/pkg/config"
)

// Loop names used as wake channel suffixes.
const (
	LoopController = "wc"
	LoopObserver   = "ob"
)

// Broker wraps the Redis client for the three broker concerns: wake hints
// (fire-and-forget pub/sub), per-user SSE streams, and the activity ordered
// set. Only the activity set carries state that matters, and only until the
// TTL loop sinks it into the database.
type Broker struct {
	rdb *redis.Client
	cfg *config.Config
}

// New connects to Redis.
func New(cfg *config.Config) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Broker{rdb: rdb, cfg: cfg}
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, cfg *config.Config) *Broker {
	return &Broker{rdb: rdb, cfg: cfg}
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// PublishWake sends a wake hint to a loop. Hints are best-effort; a dropped
// hint costs latency, never correctness.
func (b *Broker) PublishWake(ctx context.Context, loop string) error {
	if err := b.rdb.Publish(ctx, b.cfg.WakeChannel(loop), "1").Err(); err != nil {
		return fmt.Errorf("failed to publish wake hint: %w", err)
	}
	return nil
}

// SubscribeWake subscribes to a loop's wake channel.
func (b *Broker) SubscribeWake(ctx context.Context, loop string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, b.cfg.WakeChannel(loop))
}

// PublishSSE sends a UI event payload on a user's SSE channel.
func (b *Broker) PublishSSE(ctx context.Context, userID string, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.cfg.SSEChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish sse event: %w", err)
	}
	return nil
}

// SubscribeSSE subscribes to a user's SSE channel.
func (b *Broker) SubscribeSSE(ctx context.Context, userID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, b.cfg.SSEChannel(userID))
}

// RecordActivity writes activity samples into the ordered set. ZADD GT keeps
// the greater timestamp when concurrent proxies flush the same workspace, so
// writers collapse to the newest value.
func (b *Broker) RecordActivity(ctx context.Context, samples map[string]time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(samples))
	for id, ts := range samples {
		members = append(members, redis.Z{
			Score:  float64(ts.UnixMilli()),
			Member: id,
		})
	}
	if err := b.rdb.ZAddGT(ctx, b.cfg.ActivityKey(), members...).Err(); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// DrainActivity pops all accumulated activity samples. ZPOPMIN removes each
// member atomically with its score read, so a sample flushed concurrently is
// either drained now or left intact for the next drain, never dropped.
func (b *Broker) DrainActivity(ctx context.Context) (map[string]time.Time, error) {
	key := b.cfg.ActivityKey()
	n, err := b.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to size activity set: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	entries, err := b.rdb.ZPopMin(ctx, key, n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to drain activity set: %w", err)
	}

	out := make(map[string]time.Time, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[id] = time.UnixMilli(int64(z.Score))
	}
	return out, nil
}
