package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Event)
	}
	return out
}

func newRedisBus(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test", nil)
}

func exerciseBus(t *testing.T, b Bus) {
	ctx := context.Background()
	rec := &recorder{}

	sub, err := b.Subscribe(ctx, CallTopic("r1"), rec.handle)
	require.NoError(t, err)

	other := &recorder{}
	otherSub, err := b.Subscribe(ctx, PlaybackTopic("r1"), other.handle)
	require.NoError(t, err)
	defer otherSub.Close()

	require.NoError(t, b.Send(ctx, CallTopic("r1"), "call-request", map[string]string{"id": "c1"}))
	require.NoError(t, b.Send(ctx, CallTopic("r1"), "call-accepted", nil))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"call-request", "call-accepted"}, rec.events())
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	var payload map[string]string
	require.NoError(t, rec.msgs[0].Decode(&payload))
	rec.mu.Unlock()
	assert.Equal(t, "c1", payload["id"])
	assert.Empty(t, other.events())

	require.NoError(t, sub.Close())
	require.NoError(t, b.Send(ctx, CallTopic("r1"), "call-ended", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.events(), 2)
}

func exercisePresence(t *testing.T, b Bus) {
	ctx := context.Background()
	topic := PresenceTopic("r1")
	rec := &recorder{}
	sub, err := b.Subscribe(ctx, topic, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Track(ctx, topic, PresenceMeta{UserID: "u1", Status: StatusWatching}))
	require.NoError(t, b.Track(ctx, topic, PresenceMeta{UserID: "u2", Status: StatusPaused}))

	state, err := b.Presence(ctx, topic)
	require.NoError(t, err)
	assert.Len(t, state, 2)
	assert.Equal(t, StatusPaused, state["u2"].Status)
	assert.False(t, state["u1"].OnlineAt.IsZero())

	require.NoError(t, b.Untrack(ctx, topic, "u1"))
	state, err = b.Presence(ctx, topic)
	require.NoError(t, err)
	assert.Len(t, state, 1)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{EventPresenceJoin, EventPresenceJoin, EventPresenceLeave}, rec.events())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus(t *testing.T) {
	exerciseBus(t, newRedisBus(t))
}

func TestRedisPresence(t *testing.T) {
	exercisePresence(t, newRedisBus(t))
}

func TestMemoryBus(t *testing.T) {
	exerciseBus(t, NewMemory())
}

func TestMemoryPresence(t *testing.T) {
	exercisePresence(t, NewMemory())
}

func TestRoomTopics(t *testing.T) {
	assert.Equal(t, []string{
		"room:abc:call", "room:abc:signal", "room:abc:playback", "room:abc:presence",
	}, RoomTopics("abc"))
}
