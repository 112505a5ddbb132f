package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gridmix/internal/domain"
	"gridmix/internal/refresh"
)

// ErrNoSnapshot is returned when the cache holds no snapshot yet.
var ErrNoSnapshot = errors.New("no cached snapshot")

// Default cache settings.
const (
	DefaultRedisKey     = "gridmix:snapshot"
	DefaultRedisHistory = 288 // one day at the default 5 minute interval
)

// CachedSnapshot is the value stored in Redis.
type CachedSnapshot struct {
	CycleID    string          `json:"cycle_id"`
	Generation uint64          `json:"generation"`
	CachedAt   time.Time       `json:"cached_at"`
	Snapshot   domain.Snapshot `json:"snapshot"`
}

// SnapshotCache stores the latest snapshot under <key>:latest and a capped
// newest-first list under <key>:history.
type SnapshotCache struct {
	client  *redis.Client
	key     string
	history int64
	now     func() time.Time
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewSnapshotCache creates a cache. Empty key and non-positive history select defaults.
func NewSnapshotCache(client *redis.Client, key string, history int) *SnapshotCache {
	if key == "" {
		key = DefaultRedisKey
	}
	if history <= 0 {
		history = DefaultRedisHistory
	}
	return &SnapshotCache{client: client, key: key, history: int64(history), now: time.Now}
}

// Name implements refresh.Sink.
func (c *SnapshotCache) Name() string {
	return "redis"
}

func (c *SnapshotCache) latestKey() string  { return c.key + ":latest" }
func (c *SnapshotCache) historyKey() string { return c.key + ":history" }

// Publish caches the snapshot of the update's generation. Generations without
// a snapshot are skipped.
func (c *SnapshotCache) Publish(ctx context.Context, u *refresh.Update) error {
	if u.Generation == nil || u.Generation.Snapshot == nil {
		return nil
	}

	data, err := json.Marshal(CachedSnapshot{
		CycleID:    u.CycleID,
		Generation: u.Generation.Number,
		CachedAt:   c.now().UTC(),
		Snapshot:   *u.Generation.Snapshot,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.latestKey(), data, 0)
		pipe.LPush(ctx, c.historyKey(), data)
		pipe.LTrim(ctx, c.historyKey(), 0, c.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recently cached snapshot.
func (c *SnapshotCache) Latest(ctx context.Context) (CachedSnapshot, error) {
	data, err := c.client.Get(ctx, c.latestKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedSnapshot{}, ErrNoSnapshot
		}
		return CachedSnapshot{}, fmt.Errorf("get latest snapshot: %w", err)
	}

	var cs CachedSnapshot
	if err := json.Unmarshal(data, &cs); err != nil {
		return CachedSnapshot{}, fmt.Errorf("decode latest snapshot: %w", err)
	}
	return cs, nil
}

// History returns up to limit cached snapshots, newest first.
func (c *SnapshotCache) History(ctx context.Context, limit int) ([]CachedSnapshot, error) {
	if limit <= 0 {
		limit = int(c.history)
	}

	items, err := c.client.LRange(ctx, c.historyKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot history: %w", err)
	}

	out := make([]CachedSnapshot, 0, len(items))
	for _, item := range items {
		var cs CachedSnapshot
		if err := json.Unmarshal([]byte(item), &cs); err != nil {
			return nil, fmt.Errorf("decode snapshot history: %w", err)
		}
		out = append(out, cs)
	}
	return out, nil
}

var _ refresh.Sink = (*SnapshotCache)(nil)
