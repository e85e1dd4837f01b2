package room

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "test"), mr
}

func TestTwoPartyRoom(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	room, err := s.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, room.Code, CodeLength)
	assert.Equal(t, "alice", room.HostID)
	assert.True(t, mr.Exists("test:codes:"+room.Code))

	byCode, err := s.Get(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, byCode.ID)

	joined, err := s.Join(ctx, room.Code, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", joined.PartnerID)
	assert.Equal(t, "alice", joined.Partner("bob"))

	again, err := s.Join(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", again.PartnerID)
	_, err = s.Join(ctx, room.ID, "alice")
	require.NoError(t, err, "host rejoining")

	_, err = s.Join(ctx, room.ID, "carol")
	assert.ErrorIs(t, err, ErrFull)

	_, err = s.Delete(ctx, room.ID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.Delete(ctx, room.ID, "alice")
	require.NoError(t, err)

	_, err = s.Get(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, room.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}
