package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/redis"
	"github.com/google/uuid"
)

type sortedSetStore interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
}

// DelaySchedule is a durable time-ordered set of event ids awaiting retry.
// Scores are due times in unix milliseconds.
type DelaySchedule struct {
	store sortedSetStore
	key   string
}

// NewDelaySchedule binds a schedule to the Redis sorted set at key.
func NewDelaySchedule(store sortedSetStore, key string) *DelaySchedule {
	return &DelaySchedule{store: store, key: key}
}

// Schedule inserts id or moves it to dueAt.
func (s *DelaySchedule) Schedule(ctx context.Context, id uuid.UUID, dueAt time.Time) error {
	if err := s.store.ZAdd(ctx, s.key, float64(dueAt.UnixMilli()), id.String()); err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

// Due returns every id whose due time is at or before now, earliest first.
// Entries stay in the schedule until Remove is called. Members that are not
// valid ids are dropped from the set.
func (s *DelaySchedule) Due(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	members, err := s.store.ZRangeByScore(ctx, s.key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		return nil, fmt.Errorf("read due entries: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	var junk []string
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			junk = append(junk, m)
			continue
		}
		ids = append(ids, id)
	}
	if len(junk) > 0 {
		if _, err := s.store.ZRem(ctx, s.key, junk...); err != nil {
			return ids, fmt.Errorf("drop malformed entries: %w", err)
		}
	}
	return ids, nil
}

// Remove deletes id. Removing an absent id is a no-op.
func (s *DelaySchedule) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.ZRem(ctx, s.key, id.String()); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Len reports the schedule cardinality.
func (s *DelaySchedule) Len(ctx context.Context) (int64, error) {
	return s.store.ZCard(ctx, s.key)
}

// DueAt returns the scheduled time for id and whether it is present.
func (s *DelaySchedule) DueAt(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	score, err := s.store.ZScore(ctx, s.key, id.String())
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}
