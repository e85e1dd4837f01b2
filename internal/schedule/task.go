// Package schedule provides a single-timer task with cancel-and-reschedule
// semantics, used wherever work is debounced or deferred.
package schedule

import (
	"sync"
	"time"
)

// Task runs fn at most once per scheduling. Scheduling again before the timer
// fires replaces the pending run.
type Task struct {
	fn func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewTask(fn func()) *Task {
	return &Task{fn: fn}
}

// Reschedule cancels any pending run and arms a new one after d.
func (t *Task) Reschedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
}

// ScheduleIfIdle arms the task only when nothing is pending.
// It reports whether a new run was armed.
func (t *Task) ScheduleIfIdle(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		return false
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
	return true
}

// Pending reports whether a run is armed.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Cancel drops the pending run, if any.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Flush runs a pending task immediately on the caller's goroutine.
// It reports whether anything was pending.
func (t *Task) Flush() bool {
	t.mu.Lock()
	pending := t.timer != nil
	t.stopLocked()
	t.mu.Unlock()

	if pending {
		t.fn()
	}
	return pending
}

func (t *Task) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// superseded by Reschedule, Cancel or Flush
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}
