package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/redis/go-redis/v9"
)

// Only the holder of token may extend or drop a lease.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker grants short-lived per-job leases. A worker holds the lease
// for the whole attempt and refreshes it; a running job without a lease
// belongs to a worker that died.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the lease for jobID. It returns false when another token holds it.
func (l *RedisLocker) Acquire(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, cache.JobLeaseKey(jobID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease for job %d: %w", jobID, err)
	}
	return ok, nil
}

// Refresh extends the lease. It returns false when token no longer holds it.
func (l *RedisLocker) Refresh(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{cache.JobLeaseKey(jobID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease for job %d: %w", jobID, err)
	}
	return n == 1, nil
}

// Release drops the lease if token still holds it.
func (l *RedisLocker) Release(ctx context.Context, jobID int64, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{cache.JobLeaseKey(jobID)}, token).Err(); err != nil {
		return fmt.Errorf("release lease for job %d: %w", jobID, err)
	}
	return nil
}

// Held reports whether any worker holds the lease for jobID.
func (l *RedisLocker) Held(ctx context.Context, jobID int64) (bool, error) {
	n, err := l.client.Exists(ctx, cache.JobLeaseKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease for job %d: %w", jobID, err)
	}
	return n == 1, nil
}
