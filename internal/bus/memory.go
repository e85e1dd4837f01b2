package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Bus. Each subscriber gets its own ordered queue so
// handlers may call back into the bus.
type Memory struct {
	mu       sync.RWMutex
	subs     map[string]map[*memorySub]struct{}
	presence map[string]map[string]PresenceMeta
}

func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]map[*memorySub]struct{}),
		presence: make(map[string]map[string]PresenceMeta),
	}
}

type memorySub struct {
	bus   *Memory
	topic string
	queue chan Message
	once  sync.Once
	done  chan struct{}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		s.bus.mu.Unlock()
		close(s.queue)
		<-s.done
	})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	sub := &memorySub{bus: m, topic: topic, queue: make(chan Message, 256), done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range sub.queue {
			h(msg)
		}
	}()

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) Send(_ context.Context, topic, event string, payload any) error {
	msg, err := encode(topic, event, payload)
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs[topic] {
		select {
		case sub.queue <- msg:
		default:
			// slow subscriber; pub/sub is best-effort
		}
	}
	return nil
}

func (m *Memory) Track(ctx context.Context, topic string, meta PresenceMeta) error {
	if meta.OnlineAt.IsZero() {
		meta.OnlineAt = time.Now().UTC()
	}
	m.mu.Lock()
	if m.presence[topic] == nil {
		m.presence[topic] = make(map[string]PresenceMeta)
	}
	m.presence[topic][meta.UserID] = meta
	m.mu.Unlock()
	return m.Send(ctx, topic, EventPresenceJoin, meta)
}

func (m *Memory) Untrack(ctx context.Context, topic, userID string) error {
	m.mu.Lock()
	delete(m.presence[topic], userID)
	m.mu.Unlock()
	return m.Send(ctx, topic, EventPresenceLeave, PresenceMeta{UserID: userID, Status: StatusIdle})
}

func (m *Memory) Presence(_ context.Context, topic string) (map[string]PresenceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PresenceMeta, len(m.presence[topic]))
	for k, v := range m.presence[topic] {
		out[k] = v
	}
	return out, nil
}
