package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const presenceTTL = 24 * time.Hour

// Redis implements Bus on Redis pub/sub, with presence kept in one hash per topic.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *logrus.Entry
}

// NewRedis builds a Redis-backed bus. Prefix is optional (e.g., "watchparty").
func NewRedis(rdb *redis.Client, prefix string, logger *logrus.Entry) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{rdb: rdb, prefix: p, logger: logger.WithField("component", "bus")}
}

func (b *Redis) channel(topic string) string {
	return fmt.Sprintf("%s:bus:%s", b.prefix, topic)
}

func (b *Redis) presenceKey(topic string) string {
	return fmt.Sprintf("%s:presence:%s", b.prefix, topic)
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Subscribe blocks until Redis confirms the subscription, then delivers
// messages in order on a dedicated goroutine.
func (b *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for m := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.WithError(err).WithField("topic", topic).Warn("dropping malformed bus message")
				continue
			}
			h(msg)
		}
	}()
	return sub, nil
}

func (b *Redis) Send(ctx context.Context, topic, event string, payload any) error {
	msg, err := encode(topic, event, payload)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", topic, event, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(topic), data).Err()
}

// Track records meta under the topic and announces the join.
func (b *Redis) Track(ctx context.Context, topic string, meta PresenceMeta) error {
	if meta.OnlineAt.IsZero() {
		meta.OnlineAt = time.Now().UTC()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	key := b.presenceKey(topic)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, meta.UserID, data)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return b.Send(ctx, topic, EventPresenceJoin, meta)
}

func (b *Redis) Untrack(ctx context.Context, topic, userID string) error {
	if err := b.rdb.HDel(ctx, b.presenceKey(topic), userID).Err(); err != nil {
		return err
	}
	return b.Send(ctx, topic, EventPresenceLeave, PresenceMeta{UserID: userID, Status: StatusIdle})
}

func (b *Redis) Presence(ctx context.Context, topic string) (map[string]PresenceMeta, error) {
	vals, err := b.rdb.HGetAll(ctx, b.presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]PresenceMeta, len(vals))
	for id, raw := range vals {
		var meta PresenceMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			b.logger.WithError(err).WithField("user_id", id).Warn("bad presence record")
			continue
		}
		out[id] = meta
	}
	return out, nil
}
