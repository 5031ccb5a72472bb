package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// StateStore is the durable per-key timer state: the next execution time of
// every armed key, in epoch milliseconds.
type StateStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Put(ctx context.Context, key string, at int64) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]int64, error)
}

// RedisState keeps the state of one partition in the hash engine:next:{p}.
type RedisState struct {
	rdb *redis.Client
	key string
}

func NewRedisState(rdb *redis.Client, partition int) *RedisState {
	return &RedisState{rdb: rdb, key: "engine:next:" + strconv.Itoa(partition)}
}

func (s *RedisState) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, tasks.Transient("get timer state", err)
	}
	return v, true, nil
}

func (s *RedisState) Put(ctx context.Context, key string, at int64) error {
	if err := s.rdb.HSet(ctx, s.key, key, at).Err(); err != nil {
		return tasks.Transient("put timer state", err)
	}
	return nil
}

func (s *RedisState) Delete(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, s.key, key).Err(); err != nil {
		return tasks.Transient("delete timer state", err)
	}
	return nil
}

func (s *RedisState) All(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, tasks.Transient("load timer state", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		at, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = at
	}
	return out, nil
}

// MemoryState is a process-local StateStore for tests and single-process runs.
type MemoryState struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemoryState() *MemoryState {
	return &MemoryState{m: make(map[string]int64)}
}

func (s *MemoryState) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryState) Put(_ context.Context, key string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = at
	return nil
}

func (s *MemoryState) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemoryState) All(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}
