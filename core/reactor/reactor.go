// Package reactor provides the event-delivery layer between I/O sources
// (connection read loops, timers) and the cooperative scheduler.
//
// Wakeups posted here are buffered without bound and replayed on the
// reactor's own goroutine, so heartbeats and inbound remote messages keep
// flowing even while a user coroutine monopolizes the scheduler thread.
// Socket readiness itself is handled by the Go runtime netpoller; the
// reactor owns timers and the completion queue.
package reactor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reactor dispatches posted callbacks and expired timers on a dedicated
// goroutine, in post order.
type Reactor struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool

	notify   chan struct{}
	shutdown chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup

	posted  atomic.Uint64
	dropped atomic.Uint64
}

// Timer is a cancellable pending wakeup.
type Timer struct {
	t *time.Timer
}

// Cancel stops the timer. It reports whether the callback was prevented
// from running.
func (tm *Timer) Cancel() bool {
	if tm == nil || tm.t == nil {
		return false
	}
	return tm.t.Stop()
}

// New creates a reactor. Call Start before posting.
func New(logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		logger:   logger.With("component", "reactor"),
		notify:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (r *Reactor) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("reactor already started")
	}
	r.wg.Add(1)
	go r.dispatchLoop()
	return nil
}

// Stop shuts the reactor down. Callbacks still queued are dropped.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdown)
	r.wg.Wait()

	r.mu.Lock()
	if n := len(r.pending); n > 0 {
		r.dropped.Add(uint64(n))
		r.pending = nil
	}
	r.mu.Unlock()
}

// Post queues fn for execution on the reactor goroutine. It never blocks:
// the queue grows as needed so I/O sources are not held up by a stalled
// consumer.
func (r *Reactor) Post(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	r.pending = append(r.pending, fn)
	r.mu.Unlock()

	r.posted.Add(1)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// After schedules fn to be posted after d elapses.
func (r *Reactor) After(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { r.Post(fn) })}
}

// Stats reports how many callbacks were posted and dropped.
func (r *Reactor) Stats() (posted, dropped uint64) {
	return r.posted.Load(), r.dropped.Load()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-r.notify:
		}

		for {
			r.mu.Lock()
			if len(r.pending) == 0 {
				r.mu.Unlock()
				break
			}
			batch := r.pending
			r.pending = nil
			r.mu.Unlock()

			for _, fn := range batch {
				select {
				case <-r.shutdown:
					r.dropped.Add(1)
					continue
				default:
				}
				fn()
			}
		}
	}
}
