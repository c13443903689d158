package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"home-bridge/internal/models"
)

// Deduper suppresses repeated notifications for the same condition.
// Claim reports whether the caller may notify for key now and, if so,
// reserves key for window. Release drops a reservation whose
// notification was never delivered.
type Deduper interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NotificationKey groups alerts that should share one notification window
func NotificationKey(alert models.Alert) string {
	return fmt.Sprintf("%s:%s", alert.DeviceID, alert.Type)
}

// MemoryDeduper keeps claims in process memory; claims are lost on restart
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper creates an empty in-process deduper
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Claim implements Deduper
func (d *MemoryDeduper) Claim(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, k)
		}
	}

	if _, held := d.expires[key]; held {
		return false, nil
	}
	d.expires[key] = now.Add(window)
	return true, nil
}

// Release implements Deduper
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.expires, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper stores claims as expiring keys so suppression survives
// restarts and is shared between bridge instances watching one house.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

// NewRedisDeduper connects to Redis/Valkey and verifies the connection
func NewRedisDeduper(ctx context.Context, addr string) (*RedisDeduper, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis not reachable at %s: %w", addr, err)
	}
	return &RedisDeduper{client: rdb, prefix: "alert:notified:"}, nil
}

// Claim implements Deduper using SET NX with a TTL
func (d *RedisDeduper) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Deduper
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release notification %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection pool
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
