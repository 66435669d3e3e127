package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror optionally mirrors the alert ring into Redis so /alerts and
// /timeline survive a daemon restart. This is purely a local persistence
// convenience — it is never consulted for cross-node correlation, which
// stays a non-goal. Grounded on the teacher's GoRedisAdapter connect/ping/
// fallback shape.
type RedisMirror struct {
	rdb       *redis.Client
	listKey   string
	capacity  int
}

// NewRedisMirror connects to addr and verifies it with a ping. The caller
// decides whether to fall back to in-memory-only mirroring on error,
// exactly as the teacher's adapter does.
func NewRedisMirror(addr, password string, db int, capacity int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("alerts: redis mirror connected", "addr", addr, "db", db)
	return &RedisMirror{rdb: rdb, listKey: "linnixd:alerts", capacity: capacity}, nil
}

// Mirror pushes sa onto the Redis-backed list, trimmed to capacity. Called
// from a goroutine by the Bus so a slow or unreachable Redis never blocks
// alert emission.
func (m *RedisMirror) Mirror(sa SequencedAlert) {
	data, err := json.Marshal(sa)
	if err != nil {
		slog.Warn("alerts: redis mirror marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, m.listKey, data)
	pipe.LTrim(ctx, m.listKey, int64(-m.capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("alerts: redis mirror write failed", "error", err)
	}
}

// LoadInto replays the mirrored alerts back into bus, used on startup to
// restore state after a restart.
func (m *RedisMirror) LoadInto(bus *Bus) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := m.rdb.LRange(ctx, m.listKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, s := range raw {
		var sa SequencedAlert
		if err := json.Unmarshal([]byte(s), &sa); err != nil {
			continue
		}
		bus.Publish(sa.Alert)
	}
	return nil
}

// Close shuts down the underlying client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
