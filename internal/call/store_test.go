package call

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store, setNow func(time.Time)) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limits := Staleness{Ring: 30 * time.Second, Live: 40 * time.Second}
	setNow(base)

	first := Call{ID: "c1", RoomID: "r1", CallerID: "a", ReceiverID: "b", Type: TypeVideo, Status: StateCalling, CreatedAt: base}
	_, err := s.Create(ctx, first, limits)
	require.NoError(t, err)

	_, err = s.Create(ctx, Call{ID: "c2", RoomID: "r1", CallerID: "b", ReceiverID: "a", Status: StateCalling, CreatedAt: base}, limits)
	assert.ErrorIs(t, err, ErrCallActive)

	active, ok, err := s.Active(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", active.ID)

	// unanswered past the ring timeout: superseded
	setNow(base.Add(time.Minute))
	_, err = s.Create(ctx, Call{ID: "c3", RoomID: "r1", CallerID: "b", ReceiverID: "a", Status: StateCalling, CreatedAt: base.Add(time.Minute)}, limits)
	require.NoError(t, err)
	prev, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateMissed, prev.Status)

	_, err = s.SetStatus(ctx, "c3", StateConnected)
	require.NoError(t, err)
	setNow(base.Add(3 * time.Minute))
	touched, err := s.Touch(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, base.Add(3*time.Minute), touched.UpdatedAt)
	_, err = s.Create(ctx, Call{ID: "c4", RoomID: "r1", Status: StateCalling, CreatedAt: base.Add(3 * time.Minute)}, limits)
	assert.ErrorIs(t, err, ErrCallActive, "a connected call with a fresh heartbeat keeps the room")

	ended, err := s.SetStatus(ctx, "c3", StateEnded)
	require.NoError(t, err)
	assert.Equal(t, int64(120), ended.Duration)
	require.NotNil(t, ended.EndedAt)

	again, err := s.SetStatus(ctx, "c3", StateConnected)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, again.Status, "terminal records are final")
	again, err = s.Touch(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, *ended.EndedAt, again.UpdatedAt, "terminal records are not touched")

	_, ok, err = s.Active(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SetStatus(ctx, "nope", StateEnded)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Touch(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func exerciseAbandonedCall(t *testing.T, s Store, setNow func(time.Time)) {
	ctx := context.Background()
	base := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	limits := Staleness{Ring: 30 * time.Second, Live: 40 * time.Second}
	setNow(base)

	_, err := s.Create(ctx, Call{ID: "live", RoomID: "r2", CallerID: "a", ReceiverID: "b", Status: StateCalling}, limits)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "live", StateConnected)
	require.NoError(t, err)

	// within the heartbeat bound the room stays taken
	setNow(base.Add(30 * time.Second))
	_, err = s.Create(ctx, Call{ID: "early", RoomID: "r2", CallerID: "b", ReceiverID: "a", Status: StateCalling}, limits)
	assert.ErrorIs(t, err, ErrCallActive)

	// both peers gone, nobody refreshed the record
	setNow(base.Add(23 * time.Hour))
	next, err := s.Create(ctx, Call{ID: "next", RoomID: "r2", CallerID: "b", ReceiverID: "a", Status: StateCalling}, limits)
	require.NoError(t, err)
	assert.Equal(t, base.Add(23*time.Hour), next.CreatedAt)

	prev, err := s.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, prev.Status)
	require.NotNil(t, prev.EndedAt)

	active, ok, err := s.Active(ctx, "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "next", active.ID)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s, func(now time.Time) { s.now = func() time.Time { return now } })
	exerciseAbandonedCall(t, s, func(now time.Time) { s.now = func() time.Time { return now } })
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStore(rdb, "test", nil)
	exerciseStore(t, s, func(now time.Time) { s.now = func() time.Time { return now } })
	exerciseAbandonedCall(t, s, func(now time.Time) { s.now = func() time.Time { return now } })

	assert.True(t, mr.Exists("test:call:c3"))
	assert.False(t, mr.Exists("test:room:r1:active-call"))
}

func TestRetry(t *testing.T) {
	r := NewRetry(3, time.Second)

	d, ok := r.Fail()
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	d, ok = r.Fail()
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
	_, ok = r.Fail()
	assert.False(t, ok)
	assert.True(t, r.Exhausted())

	r.Reset()
	assert.Equal(t, 0, r.Failures())
}
