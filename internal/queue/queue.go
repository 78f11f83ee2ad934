package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/hookrelay/pkg/redis"
	"github.com/google/uuid"
)

// ErrEmpty is returned by Dequeue when nothing is waiting.
var ErrEmpty = errors.New("work queue empty")

type listStore interface {
	RPush(ctx context.Context, key string, values ...any) (int64, error)
	LPush(ctx context.Context, key string, values ...any) (int64, error)
	LPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LContains(ctx context.Context, key, value string) (bool, error)
}

// WorkQueue is a durable FIFO of event ids awaiting their first delivery attempt.
type WorkQueue struct {
	store listStore
	key   string
}

// NewWorkQueue binds a queue to the Redis list at key.
func NewWorkQueue(store listStore, key string) *WorkQueue {
	return &WorkQueue{store: store, key: key}
}

// Enqueue appends id to the tail.
func (q *WorkQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if _, err := q.store.RPush(ctx, q.key, id.String()); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// Requeue puts a dequeued id back at the head so it is the next one taken.
func (q *WorkQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	if _, err := q.store.LPush(ctx, q.key, id.String()); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

// Dequeue atomically removes and returns the head, or ErrEmpty. A malformed
// entry is consumed and reported as an error.
func (q *WorkQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	raw, err := q.store.LPop(ctx, q.key)
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrEmpty
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("dequeue: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed queue entry %q: %w", raw, err)
	}
	return id, nil
}

// Len reports how many ids are waiting.
func (q *WorkQueue) Len(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, q.key)
}

// Contains reports whether id is currently queued. It scans the list.
func (q *WorkQueue) Contains(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.store.LContains(ctx, q.key, id.String())
}
