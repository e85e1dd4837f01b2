package signallog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLog(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test", nil)
}

func rec(room, sender, call, typ string) Record {
	return Record{
		RoomID:   room,
		SenderID: sender,
		CallID:   call,
		Type:     typ,
		Payload:  json.RawMessage(`{"type":"` + typ + `"}`),
	}
}

func exerciseLog(t *testing.T, l Log) {
	ctx := context.Background()

	first, err := l.Insert(ctx, rec("r1", "alice", "c1", "offer"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = l.Insert(ctx, rec("r1", "alice", "c1", "candidate"))
	require.NoError(t, err)
	answer := rec("r1", "bob", "c1", "answer")
	answer.Attempt = 2
	_, err = l.Insert(ctx, answer)
	require.NoError(t, err)
	_, err = l.Insert(ctx, rec("r1", "alice", "c2", "offer"))
	require.NoError(t, err)
	_, err = l.Insert(ctx, rec("r2", "carol", "c9", "offer"))
	require.NoError(t, err)

	all, err := l.Query(ctx, Filter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "offer", all[0].Type)
	assert.Equal(t, "candidate", all[1].Type)
	assert.JSONEq(t, `{"type":"offer"}`, string(all[0].Payload))
	assert.False(t, all[0].CreatedAt.IsZero())
	assert.Equal(t, 0, all[0].Attempt)
	assert.Equal(t, 2, all[2].Attempt)

	c1, err := l.Query(ctx, Filter{RoomID: "r1", CallID: "c1", SenderID: "alice"})
	require.NoError(t, err)
	assert.Len(t, c1, 2)

	n, err := l.Delete(ctx, Filter{RoomID: "r1", CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := l.Query(ctx, Filter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c2", left[0].CallID)

	other, err := l.Query(ctx, Filter{RoomID: "r2"})
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func exerciseWatch(t *testing.T, l Log) {
	ctx := context.Background()
	_, err := l.Insert(ctx, rec("r1", "alice", "c1", "offer"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Record
	w, err := l.Watch(ctx, "r1", func(r Record) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	_, err = l.Insert(ctx, rec("r2", "carol", "c9", "offer"))
	require.NoError(t, err)
	answer := rec("r1", "bob", "c1", "answer")
	answer.Attempt = 2
	_, err = l.Insert(ctx, answer)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Type == "answer"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRedisLog(t *testing.T)    { exerciseLog(t, newRedisLog(t)) }
func TestRedisWatch(t *testing.T)  { exerciseWatch(t, newRedisLog(t)) }
func TestMemoryLog(t *testing.T)   { exerciseLog(t, NewMemory()) }
func TestMemoryWatch(t *testing.T) { exerciseWatch(t, NewMemory()) }

func TestInsertRequiresRoom(t *testing.T) {
	_, err := NewMemory().Insert(context.Background(), Record{})
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	r := rec("r1", "alice", "c1", "offer")
	assert.True(t, Filter{}.Match(r))
	assert.True(t, Filter{RoomID: "r1", Type: "offer"}.Match(r))
	assert.False(t, Filter{CallID: "c2"}.Match(r))
	assert.False(t, Filter{SenderID: "bob"}.Match(r))
}
