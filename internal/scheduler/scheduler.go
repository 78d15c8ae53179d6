// Package scheduler owns the named timers of a session: one-shot delays
// and periodic jobs that must all stop together on teardown.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/atm-network/atm-session/internal/logger"
)

type task struct {
	id   uint64
	stop chan struct{}
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	nextID  uint64
	stopped bool
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*task),
	}
}

// After runs fn once after d. Scheduling a name that is already pending
// replaces the pending task.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	t, ok := s.register(name)
	if !ok {
		return
	}

	logger.Debug("Scheduled %s in %v", name, d)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		if s.finish(name, t) {
			fn()
		}
	}()
}

// Every runs fn every interval until cancelled. The first run happens one
// interval from now.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		logger.Warn("Ignoring periodic task %s with interval %v", name, interval)
		return
	}

	t, ok := s.register(name)
	if !ok {
		return
	}

	logger.Debug("Scheduled %s every %v", name, interval)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if !s.isCurrent(name, t) {
					return
				}
				fn()
			}
		}
	}()
}

// Cancel stops the named task. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[name]
	if !exists {
		return false
	}
	close(t.stop)
	delete(s.tasks, name)
	logger.Debug("Cancelled %s", name)
	return true
}

// CancelAll stops every pending task.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tasks)
	for name, t := range s.tasks {
		close(t.stop)
		delete(s.tasks, name)
	}
	if n > 0 {
		logger.Debug("Cancelled %d scheduled tasks", n)
	}
	return n
}

// IsActive reports whether name is pending.
func (s *Scheduler) IsActive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[name]
	return exists
}

// Active lists the pending task names in order.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels everything, waits for running callbacks and rejects new tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.CancelAll()
	s.wg.Wait()
}

func (s *Scheduler) register(name string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, false
	}
	if previous, exists := s.tasks[name]; exists {
		close(previous.stop)
	}

	s.nextID++
	t := &task{id: s.nextID, stop: make(chan struct{})}
	s.tasks[name] = t
	s.wg.Add(1)
	return t, true
}

// finish removes a fired one-shot task unless it was replaced meanwhile.
func (s *Scheduler) finish(name string, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tasks[name]
	if !exists || current.id != t.id {
		return false
	}
	delete(s.tasks, name)
	return true
}

func (s *Scheduler) isCurrent(name string, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.tasks[name]
	return exists && current.id == t.id
}
