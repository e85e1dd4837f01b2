package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	recordTTL  = 24 * time.Hour
	txAttempts = 5
)

// Store persists call records and enforces at most one active call per room.
type Store interface {
	// Create stores a new call. If the room already has an active call it is
	// superseded when it is stale under limits, otherwise ErrCallActive is
	// returned.
	Create(ctx context.Context, c Call, limits Staleness) (Call, error)
	Get(ctx context.Context, id string) (Call, error)
	// Active returns the room's current non-terminal call.
	Active(ctx context.Context, roomID string) (Call, bool, error)
	SetStatus(ctx context.Context, id string, status State) (Call, error)
	// Touch refreshes UpdatedAt on a live call. Terminal records are left
	// alone.
	Touch(ctx context.Context, id string) (Call, error)
}

// RedisStore keeps each call as a JSON string plus a per-room pointer to the
// active call id.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *logrus.Entry
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string, logger *logrus.Entry) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisStore{rdb: rdb, prefix: p, logger: logger.WithField("component", "call-store"), now: time.Now}
}

func (s *RedisStore) callKey(id string) string {
	return fmt.Sprintf("%s:call:%s", s.prefix, id)
}

func (s *RedisStore) activeKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:active-call", s.prefix, roomID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getCall(ctx context.Context, c getter, key string) (Call, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	var out Call
	if err := json.Unmarshal(data, &out); err != nil {
		return Call{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func (s *RedisStore) Create(ctx context.Context, c Call, limits Staleness) (Call, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	activeKey := s.activeKey(c.RoomID)

	for i := 0; i < txAttempts; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var superseded *Call
			activeID, err := tx.Get(ctx, activeKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				prev, err := getCall(ctx, tx, s.callKey(activeID))
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					return err
				case prev.Status.Terminal():
				case prev.stale(s.now(), limits):
					prev.transition(prev.supersededState(), s.now().UTC())
					superseded = &prev
				default:
					return ErrCallActive
				}
			}

			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if superseded != nil {
					prevData, err := json.Marshal(superseded)
					if err != nil {
						return err
					}
					pipe.Set(ctx, s.callKey(superseded.ID), prevData, recordTTL)
				}
				pipe.Set(ctx, s.callKey(c.ID), data, recordTTL)
				pipe.Set(ctx, activeKey, c.ID, recordTTL)
				return nil
			})
			if err == nil && superseded != nil {
				s.logger.WithFields(logrus.Fields{"room_id": c.RoomID, "call_id": superseded.ID, "status": superseded.Status}).Info("stale call superseded")
			}
			return err
		}, activeKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Call{}, err
		}
		return c, nil
	}
	return Call{}, fmt.Errorf("create call %s: %w", c.ID, redis.TxFailedErr)
}

func (s *RedisStore) Get(ctx context.Context, id string) (Call, error) {
	return getCall(ctx, s.rdb, s.callKey(id))
}

func (s *RedisStore) Active(ctx context.Context, roomID string) (Call, bool, error) {
	id, err := s.rdb.Get(ctx, s.activeKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	c, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	if c.Status.Terminal() {
		return Call{}, false, nil
	}
	return c, true, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, status State) (Call, error) {
	key := s.callKey(id)
	var out Call
	for i := 0; i < txAttempts; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			c, err := getCall(ctx, tx, key)
			if err != nil {
				return err
			}
			out = c
			if !out.transition(status, s.now().UTC()) {
				return nil
			}
			data, err := json.Marshal(out)
			if err != nil {
				return err
			}
			activeKey := s.activeKey(out.RoomID)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, recordTTL)
				if status.Terminal() {
					pipe.Del(ctx, activeKey)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Call{}, fmt.Errorf("set call %s %s: %w", id, status, err)
		}
		return out, nil
	}
	return Call{}, fmt.Errorf("set call %s %s: %w", id, status, redis.TxFailedErr)
}

func (s *RedisStore) Touch(ctx context.Context, id string) (Call, error) {
	key := s.callKey(id)
	var out Call
	for i := 0; i < txAttempts; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			c, err := getCall(ctx, tx, key)
			if err != nil {
				return err
			}
			out = c
			if out.Status.Terminal() {
				return nil
			}
			out.UpdatedAt = s.now().UTC()
			data, err := json.Marshal(out)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, recordTTL)
				pipe.Expire(ctx, s.activeKey(out.RoomID), recordTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Call{}, fmt.Errorf("touch call %s: %w", id, err)
		}
		return out, nil
	}
	return Call{}, fmt.Errorf("touch call %s: %w", id, redis.TxFailedErr)
}

// MemoryStore is the in-process Store used by tests and single-binary runs.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]Call
	active map[string]string
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]Call), active: make(map[string]string), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, c Call, limits Staleness) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if id, ok := s.active[c.RoomID]; ok {
		prev := s.calls[id]
		if !prev.Status.Terminal() {
			if !prev.stale(s.now(), limits) {
				return Call{}, ErrCallActive
			}
			prev.transition(prev.supersededState(), s.now().UTC())
			s.calls[id] = prev
		}
	}
	s.calls[c.ID] = c
	s.active[c.RoomID] = c.ID
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Active(_ context.Context, roomID string) (Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[roomID]
	if !ok {
		return Call{}, false, nil
	}
	c := s.calls[id]
	if c.Status.Terminal() {
		return Call{}, false, nil
	}
	return c, true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status State) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.transition(status, s.now().UTC()) {
		s.calls[id] = c
		if status.Terminal() && s.active[c.RoomID] == id {
			delete(s.active, c.RoomID)
		}
	}
	return c, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if !c.Status.Terminal() {
		c.UpdatedAt = s.now().UTC()
		s.calls[id] = c
	}
	return c, nil
}
