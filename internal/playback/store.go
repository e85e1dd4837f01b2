package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 24 * time.Hour

// Store keeps the latest State of each room so a late joiner can reconcile
// before the next broadcast.
type Store interface {
	Save(ctx context.Context, roomID string, s State) error
	Load(ctx context.Context, roomID string) (State, bool, error)
	Delete(ctx context.Context, roomID string) error
}

type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) key(roomID string) string {
	return fmt.Sprintf("%s:playback:%s", s.prefix, roomID)
}

func (s *RedisStore) Save(ctx context.Context, roomID string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(roomID), data, snapshotTTL).Err()
}

func (s *RedisStore) Load(ctx context.Context, roomID string) (State, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("decode playback snapshot: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, s.key(roomID)).Err()
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Save(_ context.Context, roomID string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[roomID] = st
	return nil
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[roomID]
	return st, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, roomID)
	return nil
}
