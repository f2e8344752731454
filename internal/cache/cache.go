package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/redis/go-redis/v9"
)

// JobSnapshot is the polling view of a job mirrored into Redis on every
// ledger commit. The ledger stays authoritative.
type JobSnapshot struct {
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentStep     string    `json:"current_step,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SnapshotOf builds the mirror entry for job.
func SnapshotOf(job *models.Job) JobSnapshot {
	return JobSnapshot{
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CurrentStep:     job.CurrentStep,
		ErrorKind:       job.ErrorKind,
		UpdatedAt:       job.UpdatedAt,
	}
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID int64, snap JobSnapshot, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID int64) (JobSnapshot, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection so the queue and lease code can
// share one pool.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// setStatusScript stores a snapshot unless the stored one is newer or
// terminal, so the mirror never moves backwards when writers race. ts is
// fixed-width so string comparison orders it.
var setStatusScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "ts", "terminal")
if cur[1] then
	if cur[2] == "1" and ARGV[3] ~= "1" then
		return 0
	end
	if cur[1] > ARGV[1] then
		return 0
	end
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "terminal", ARGV[3], "snap", ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1`)

// SetJobStatus mirrors snap for jobID. A write older than the stored
// snapshot, or a non-terminal write over a terminal one, is dropped.
func (c *RedisCache) SetJobStatus(ctx context.Context, jobID int64, snap JobSnapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	terminal := "0"
	if models.IsTerminalStatus(snap.Status) {
		terminal = "1"
	}
	ts := fmt.Sprintf("%020d", snap.UpdatedAt.UnixNano())
	return setStatusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)},
		ts, b, terminal, ttl.Milliseconds()).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID int64) (JobSnapshot, bool, error) {
	val, err := c.client.HGet(ctx, JobStatusKey(jobID), "snap").Bytes()
	if errors.Is(err, redis.Nil) {
		return JobSnapshot{}, false, nil
	}
	if err != nil {
		return JobSnapshot{}, false, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return JobSnapshot{}, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return snap, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
