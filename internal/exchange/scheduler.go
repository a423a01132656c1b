package exchange

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled continuation that can be cancelled
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d without blocking the caller
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler uses runtime timers
type RealScheduler struct{}

// AfterFunc wraps time.AfterFunc
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualScheduler fires continuations only when told to. Used by tests to
// drive the simulator without waiting on the wall clock.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks map[int]*manualTask
}

type manualTask struct {
	id  int
	due time.Duration
	f   func()
	s   *ManualScheduler
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tasks[t.id]; !ok {
		return false
	}
	delete(t.s.tasks, t.id)
	return true
}

// NewManualScheduler creates an idle scheduler at virtual time zero
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]*manualTask)}
}

// AfterFunc records f to run once virtual time reaches now+d
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{id: s.seq, due: s.now + d, f: f, s: s}
	s.tasks[t.id] = t
	return t
}

// Advance moves virtual time forward and runs every task that became due,
// in due order, on the calling goroutine
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	s.now += d
	due := s.takeDue(s.now)
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

// RunAll runs every pending task regardless of its delay
func (s *ManualScheduler) RunAll() int {
	s.mu.Lock()
	due := s.takeDue(1<<62 - 1)
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Pending returns the delays still scheduled, relative to virtual now
func (s *ManualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.due-s.now)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *ManualScheduler) takeDue(at time.Duration) []*manualTask {
	due := make([]*manualTask, 0)
	for id, t := range s.tasks {
		if t.due <= at {
			due = append(due, t)
			delete(s.tasks, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due == due[j].due {
			return due[i].id < due[j].id
		}
		return due[i].due < due[j].due
	})
	return due
}
