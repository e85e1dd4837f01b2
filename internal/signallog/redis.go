package signallog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	streamTTL  = 24 * time.Hour
	watchBlock = time.Second
	watchBatch = 64
	maxPerRoom = 2000
)

// Redis stores each room's signals in one stream.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *logrus.Entry
}

func NewRedis(rdb *redis.Client, prefix string, logger *logrus.Entry) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{rdb: rdb, prefix: p, logger: logger.WithField("component", "signallog")}
}

func (l *Redis) streamKey(roomID string) string {
	return fmt.Sprintf("%s:signals:%s", l.prefix, roomID)
}

func (l *Redis) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.RoomID == "" {
		return Record{}, errors.New("signallog: room id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	key := l.streamKey(rec.RoomID)
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxPerRoom,
		Approx: true,
		Values: map[string]interface{}{
			"room_id":      rec.RoomID,
			"sender_id":    rec.SenderID,
			"call_id":      rec.CallID,
			"attempt":      strconv.Itoa(rec.Attempt),
			"type":         rec.Type,
			"is_initiator": strconv.FormatBool(rec.IsInitiator),
			"payload":      string(rec.Payload),
			"created_at":   rec.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return Record{}, fmt.Errorf("xadd %s: %w", key, err)
	}
	l.rdb.Expire(ctx, key, streamTTL)
	rec.ID = id
	return rec, nil
}

func (l *Redis) Query(ctx context.Context, f Filter) ([]Record, error) {
	if f.RoomID == "" {
		return nil, errors.New("signallog: room id required")
	}
	msgs, err := l.rdb.XRange(ctx, l.streamKey(f.RoomID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, m := range msgs {
		rec := decode(m)
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *Redis) Delete(ctx context.Context, f Filter) (int, error) {
	recs, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	n, err := l.rdb.XDel(ctx, l.streamKey(f.RoomID), ids...).Result()
	return int(n), err
}

type redisWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *redisWatcher) Close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}

// Watch tails the room stream from its current end.
func (l *Redis) Watch(ctx context.Context, roomID string, fn func(Record)) (Watcher, error) {
	key := l.streamKey(roomID)
	lastID := "0-0"
	last, err := l.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &redisWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for ctx.Err() == nil {
			streams, err := l.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   watchBatch,
				Block:   watchBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				l.logger.WithError(err).WithField("room_id", roomID).Warn("change feed read failed")
				select {
				case <-ctx.Done():
				case <-time.After(watchBlock):
				}
				continue
			}
			for _, s := range streams {
				for _, m := range s.Messages {
					lastID = m.ID
					fn(decode(m))
				}
			}
		}
	}()
	return w, nil
}

func decode(m redis.XMessage) Record {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	rec := Record{
		ID:       m.ID,
		RoomID:   str("room_id"),
		SenderID: str("sender_id"),
		CallID:   str("call_id"),
		Type:     str("type"),
	}
	rec.IsInitiator, _ = strconv.ParseBool(str("is_initiator"))
	rec.Attempt, _ = strconv.Atoi(str("attempt"))
	if p := str("payload"); p != "" {
		rec.Payload = []byte(p)
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}
