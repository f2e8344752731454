package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// CancelChannel is the pub/sub channel cancellation requests are broadcast on.
const CancelChannel = "celljobs:cancel"

// RedisBus broadcasts cancellation requests to every worker process.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) PublishCancel(ctx context.Context, jobID int64) error {
	if err := b.client.Publish(ctx, CancelChannel, strconv.FormatInt(jobID, 10)).Err(); err != nil {
		return fmt.Errorf("publish cancel for job %d: %w", jobID, err)
	}
	return nil
}

// SubscribeCancel calls fn for every cancellation broadcast. It blocks
// until ctx is done and returns nil then; it returns an error only when the
// subscription cannot be established.
func (b *RedisBus) SubscribeCancel(ctx context.Context, fn func(jobID int64)) error {
	sub := b.client.Subscribe(ctx, CancelChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", CancelChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				slog.Warn("ignoring malformed cancel message", "payload", msg.Payload)
				continue
			}
			fn(id)
		}
	}
}
