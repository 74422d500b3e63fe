package resolution

import (
	"sync"
	"time"
)

// Scheduler runs one deadline task per id. Cancel revokes a task by id
// exactly once; a task that fires removes itself before running, so it can
// never run after a successful Cancel.
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	timer Timer
	due   time.Time
}

// NewScheduler creates a Scheduler on clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{clock: clock, tasks: make(map[string]*task)}
}

// Schedule runs fn after delay, replacing any task already held for id.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) {
	t := &task{due: s.clock.Now().Add(delay)}

	s.mu.Lock()
	if prev, ok := s.tasks[id]; ok {
		prev.timer.Stop()
	}
	s.tasks[id] = t
	// the timer is created under the lock so a zero delay cannot fire
	// before the task is registered
	t.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.tasks[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, id)
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
}

// Cancel revokes the task for id. It returns true only for the call that
// actually removed a pending task.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	delete(s.tasks, id)
	t.timer.Stop()
	return true
}

// Deadline returns when the task for id is due.
func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
}
