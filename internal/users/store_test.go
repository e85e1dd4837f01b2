package users

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewStore(rdb, "test")
	s.cost = bcrypt.MinCost
	ctx := context.Background()

	created, err := s.Authenticate(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "hunter2", mr.HGet("test:users", "alice"))

	created, err = s.Authenticate(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = s.Authenticate(ctx, " ", "x")
	assert.ErrorIs(t, err, ErrBadCredentials)
}
