// Package queuetest provides an in-memory stand-in for the Redis list and
// sorted-set commands the queue package relies on.
package queuetest

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/angelmondragon/hookrelay/pkg/redis"
)

// Store mimics the Redis subset behind WorkQueue and DelaySchedule.
// Set Fail to make every call return that error.
type Store struct {
	mu    sync.Mutex
	lists map[string][]string
	zsets map[string]map[string]float64
	Fail  error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

func (s *Store) RPush(_ context.Context, key string, values ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			return 0, errors.New("queuetest: only string values supported")
		}
		s.lists[key] = append(s.lists[key], str)
	}
	return int64(len(s.lists[key])), nil
}

func (s *Store) LPush(_ context.Context, key string, values ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			return 0, errors.New("queuetest: only string values supported")
		}
		s.lists[key] = append([]string{str}, s.lists[key]...)
	}
	return int64(len(s.lists[key])), nil
}

func (s *Store) LPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", s.Fail
	}
	list := s.lists[key]
	if len(list) == 0 {
		return "", redis.Nil
	}
	s.lists[key] = list[1:]
	return list[0], nil
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	return int64(len(s.lists[key])), nil
}

func (s *Store) LContains(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	for _, v := range s.lists[key] {
		if v == value {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *Store) ZRangeByScore(_ context.Context, key, min, max string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	lo, hi := parseBound(min), parseBound(max)
	set := s.zsets[key]
	out := []string{}
	for member, score := range set {
		if score >= lo && score <= hi {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if set[out[i]] == set[out[j]] {
			return out[i] < out[j]
		}
		return set[out[i]] < set[out[j]]
	})
	return out, nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for _, m := range members {
		if _, ok := s.zsets[key][m]; ok {
			delete(s.zsets[key], m)
			n++
		}
	}
	return n, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZScore(_ context.Context, key, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	score, ok := s.zsets[key][member]
	if !ok {
		return 0, redis.Nil
	}
	return score, nil
}

// List returns a copy of the list at key.
func (s *Store) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...)
}

// Members returns the sorted-set members at key with their scores.
func (s *Store) Members(key string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.zsets[key]))
	for k, v := range s.zsets[key] {
		out[k] = v
	}
	return out
}

// SetFail swaps the injected error under the lock.
func (s *Store) SetFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fail = err
}

func parseBound(v string) float64 {
	switch v {
	case "-inf":
		return math.Inf(-1)
	case "+inf":
		return math.Inf(1)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
