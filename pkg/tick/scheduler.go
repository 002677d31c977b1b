package tick

import "sync"

// Scheduler is a FIFO of deferred continuations. Continuations are posted from
// any goroutine and executed one per RunNext on the tick goroutine, so at most
// one step of the pipeline runs at a time.
type Scheduler struct {
	mu    sync.Mutex
	queue []func()
}

func NewScheduler() *Scheduler { return &Scheduler{} }

// Defer queues fn to run on a later tick.
func (s *Scheduler) Defer(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// RunNext runs the oldest continuation, if any, and reports whether one ran.
func (s *Scheduler) RunNext() bool {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.mu.Unlock()

	fn()
	return true
}

// Pending returns the number of queued continuations.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
