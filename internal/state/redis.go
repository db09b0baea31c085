package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWriter is the subset of *redis.Client the sink needs.
type redisWriter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink stores the latest snapshot under "<prefix>:snapshot" and
// announces it on the "<prefix>:updates" channel.
type RedisSink struct {
	client redisWriter
	prefix string
	ttl    time.Duration
}

// NewRedisSink connects a sink to the Redis server at addr.
func NewRedisSink(addr, password string, db int, prefix string, ttl time.Duration) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisSink(client, prefix, ttl)
}

func newRedisSink(client redisWriter, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "deadops:state"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// SnapshotKey is the key holding the latest snapshot.
func (r *RedisSink) SnapshotKey() string { return r.prefix + ":snapshot" }

// UpdatesChannel is the pub/sub channel announcing new snapshots.
func (r *RedisSink) UpdatesChannel() string { return r.prefix + ":updates" }

// Persist implements Sink.
func (r *RedisSink) Persist(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.SnapshotKey(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.SnapshotKey(), err)
	}
	summary, _ := json.Marshal(snap.Metrics)
	if err := r.client.Publish(ctx, r.UpdatesChannel(), summary).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.UpdatesChannel(), err)
	}
	return nil
}

// Close releases the underlying client when it owns one.
func (r *RedisSink) Close() error {
	if c, ok := r.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
