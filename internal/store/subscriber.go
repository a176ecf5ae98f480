package store

import (
	"log/slog"
	"sync"
)

// subscriber delivers batches to fn in order without ever blocking the
// writer. The queue is unbounded.
type subscriber struct {
	fn func([]Change)

	mu       sync.Mutex
	queue    [][]Change
	stopping bool // deliver what is queued, then exit
	stopped  bool // exit now

	wake chan struct{}
	done chan struct{}
}

func newSubscriber(fn func([]Change)) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) enqueue(batch []Change) {
	s.mu.Lock()
	if s.stopped || s.stopping {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, batch)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				exit := s.stopped || s.stopping
				s.mu.Unlock()
				if exit {
					return
				}
				break
			}
			batch := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(batch)
		}
	}
}

func (s *subscriber) deliver(batch []Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("store subscriber panicked", "panic", r)
		}
	}()
	s.fn(batch)
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) drainAndStop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.signal()
	<-s.done
}
