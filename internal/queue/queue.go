// Package queue carries job ids from the submission layer to workers over
// Redis. Delivery is at-least-once: a message moves to a processing list
// when taken and is removed only on Ack.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmpty is returned by Dequeue when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrMalformed is returned for a message that is not {"job_id": <int>}.
	// The message has already been dropped from the processing list.
	ErrMalformed = errors.New("malformed queue message")
)

// Message is the wire format of one queue entry.
type Message struct {
	JobID int64 `json:"job_id"`
}

// Delivery is a message taken from the queue and not yet acknowledged.
type Delivery struct {
	JobID int64
	raw   string
}

// Queue is the dispatch transport.
type Queue interface {
	Enqueue(ctx context.Context, jobID int64) error
	Dequeue(ctx context.Context, timeout time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Recover moves every unacknowledged delivery back onto the queue.
	Recover(ctx context.Context) (int, error)
}

// RedisQueue implements Queue with a Redis list plus a processing list.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedisQueue creates a queue stored under queue:<name>.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		key:        "queue:" + name,
		processing: "queue:" + name + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	b, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("dequeue: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.JobID <= 0 {
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return Delivery{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return Delivery{JobID: msg.JobID, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack job %d: %w", d.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing list: %w", err)
		}
		n++
	}
}

// Len reports how many messages are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
