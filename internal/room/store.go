// Package room stores two-party watch rooms: one host and at most one
// partner, addressable by id or by a short code.
package room

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/watchparty/internal/models"
)

const (
	CodeLength = 6
	TTL        = 24 * time.Hour
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrNotFound  = errors.New("room not found")
	ErrFull      = errors.New("room already has two members")
	ErrForbidden = errors.New("only the room host may do that")
)

type Store struct {
	rdb    *redis.Client
	prefix string
}

func NewStore(rdb *redis.Client, prefix string) *Store {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	return &Store{rdb: rdb, prefix: p}
}

func (s *Store) roomKey(id string) string   { return fmt.Sprintf("%s:rooms:%s", s.prefix, id) }
func (s *Store) codeKey(code string) string { return fmt.Sprintf("%s:codes:%s", s.prefix, code) }

// Create makes hostID the host of a new room.
func (s *Store) Create(ctx context.Context, hostID string) (models.RoomMetadata, error) {
	for i := 0; i < 5; i++ {
		room := models.RoomMetadata{
			ID:        uuid.New().String(),
			Code:      generateCode(),
			HostID:    hostID,
			CreatedAt: time.Now().UTC(),
		}
		ok, err := s.rdb.SetNX(ctx, s.codeKey(room.Code), room.ID, TTL).Result()
		if err != nil {
			return models.RoomMetadata{}, err
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(room)
		if err != nil {
			return models.RoomMetadata{}, err
		}
		if err := s.rdb.Set(ctx, s.roomKey(room.ID), data, TTL).Err(); err != nil {
			return models.RoomMetadata{}, err
		}
		return room, nil
	}
	return models.RoomMetadata{}, errors.New("failed to generate unique room code")
}

// Resolve maps a room code or id to the room id.
func (s *Store) Resolve(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrNotFound
	}
	if len(identifier) != CodeLength {
		return identifier, nil
	}
	id, err := s.rdb.Get(ctx, s.codeKey(strings.ToUpper(identifier))).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

// Get fetches a room by code or id.
func (s *Store) Get(ctx context.Context, identifier string) (models.RoomMetadata, error) {
	id, err := s.Resolve(ctx, identifier)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	return s.get(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, id string) (models.RoomMetadata, error) {
	data, err := c.Get(ctx, s.roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RoomMetadata{}, ErrNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, err
	}
	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to parse room data: %w", err)
	}
	return room, nil
}

// Join claims the partner slot for userID. Members rejoining is a no-op.
func (s *Store) Join(ctx context.Context, identifier, userID string) (models.RoomMetadata, error) {
	id, err := s.Resolve(ctx, identifier)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	key := s.roomKey(id)

	var out models.RoomMetadata
	for i := 0; i < 5; i++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			room, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			out = room
			if room.IsMember(userID) {
				return nil
			}
			if room.PartnerID != "" {
				return ErrFull
			}
			room.PartnerID = userID
			data, err := json.Marshal(room)
			if err != nil {
				return err
			}
			ttl := tx.TTL(ctx, key).Val()
			if ttl <= 0 {
				ttl = TTL
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				return nil
			})
			out = room
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return models.RoomMetadata{}, err
	}
	return out, nil
}

// Delete removes the room; only the host may do it.
func (s *Store) Delete(ctx context.Context, identifier, userID string) (models.RoomMetadata, error) {
	room, err := s.Get(ctx, identifier)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	if room.HostID != userID {
		return models.RoomMetadata{}, ErrForbidden
	}
	if err := s.rdb.Del(ctx, s.roomKey(room.ID), s.codeKey(room.Code)).Err(); err != nil {
		return models.RoomMetadata{}, err
	}
	return room, nil
}

// generateCode generates a random room code
func generateCode() string {
	code := make([]byte, CodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
