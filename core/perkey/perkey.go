// Package perkey provides a scheduler that serializes work per key while
// work for different keys runs concurrently.
//
// The runtime uses it to process the commits of one entity in commit order
// while different entities are projected in parallel.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per key (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that tasks of the same key execute one at a time
// in submission order. A key's worker exits once its queue is empty, so idle
// keys hold no goroutine.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	submitting sync.WaitGroup
	running    sync.WaitGroup
	bufferSize int
}

type worker struct {
	tasks   chan *task
	pending int // guarded by Scheduler.mu
}

type task struct {
	fn   func() error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Do runs fn in the queue of key and returns its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but stops waiting when ctx is done. A task that was
// already queued still runs.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.submitting.Add(1)
	defer s.submitting.Done()
	w := s.workerLocked(key)
	w.pending++
	s.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			s.retireLocked(key, w)
			close(w.tasks)
		}
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of keys with queued or running work.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting tasks and waits until every queued task ran.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.submitting.Wait()
	s.running.Wait()
}

func (s *Scheduler[K]) workerLocked(key K) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}
	w := &worker{tasks: make(chan *task, s.bufferSize)}
	s.workers[key] = w
	s.running.Add(1)
	go s.run(key, w)
	return w
}

func (s *Scheduler[K]) retireLocked(key K, w *worker) {
	if s.workers[key] == w {
		delete(s.workers, key)
	}
}

func (s *Scheduler[K]) run(key K, w *worker) {
	defer s.running.Done()
	for t := range w.tasks {
		t.done <- t.fn()

		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			s.retireLocked(key, w)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}
