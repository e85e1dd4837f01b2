package signallog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Log used by tests and single-process setups.
type Memory struct {
	mu       sync.Mutex
	seq      int
	records  []Record
	watchers map[*memoryWatcher]struct{}
}

func NewMemory() *Memory {
	return &Memory{watchers: make(map[*memoryWatcher]struct{})}
}

type memoryWatcher struct {
	log    *Memory
	roomID string
	fn     func(Record)
	queue  chan Record
	once   sync.Once
	done   chan struct{}
}

func (w *memoryWatcher) Close() error {
	w.once.Do(func() {
		w.log.mu.Lock()
		delete(w.log.watchers, w)
		w.log.mu.Unlock()
		close(w.queue)
		<-w.done
	})
	return nil
}

func (m *Memory) Insert(_ context.Context, rec Record) (Record, error) {
	if rec.RoomID == "" {
		return Record{}, errors.New("signallog: room id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.ID = strconv.Itoa(m.seq)
	m.records = append(m.records, rec)
	for w := range m.watchers {
		if w.roomID != rec.RoomID {
			continue
		}
		select {
		case w.queue <- rec:
		default:
		}
	}
	return rec, nil
}

func (m *Memory) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, f Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	n := 0
	for _, r := range m.records {
		if f.Match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

func (m *Memory) Watch(_ context.Context, roomID string, fn func(Record)) (Watcher, error) {
	w := &memoryWatcher{log: m, roomID: roomID, fn: fn, queue: make(chan Record, 256), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for rec := range w.queue {
			w.fn(rec)
		}
	}()
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	return w, nil
}
