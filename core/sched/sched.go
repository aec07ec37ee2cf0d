// Package sched implements the cooperative coroutine scheduler and the
// messaging layer built on it: per-coroutine mailboxes, broadcast channels,
// monitors and behavior swapping.
//
// All coroutines of one Scheduler are multiplexed over a single run loop;
// exactly one coroutine executes at a time and is never resumed concurrently
// with another. External mutations (Send, Terminate, Swap, remote delivery)
// are posted to the loop and applied between coroutine slices, so mailbox
// and pool state need no locks.
package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coromesh/coromesh/core/reactor"
)

// Scheduler owns all coroutines created through it. Create with New, then
// Start; Stop terminates every coroutine and waits for the loop to drain.
//
// Join, Count and Stop must not be called from inside a coroutine body:
// they wait on the loop, which waits on the running coroutine.
type Scheduler struct {
	logger     *slog.Logger
	rx         *reactor.Reactor
	ownReactor bool

	location atomic.Value // string; set before Start

	nextID atomic.Uint64
	extSeq atomic.Uint64 // seq for messages sent from outside any coroutine

	mu     sync.Mutex
	ops    []func()
	closed bool
	notify chan struct{}

	// Loop-owned state.
	coros       map[ID]*Coro
	readyq      []*Coro
	stopping    bool
	joinWaiters []chan struct{}

	namesMu  sync.RWMutex
	names    map[string]ID
	channels map[string]*Channel

	started atomic.Bool
	done    chan struct{}
}

// New creates a scheduler. If rx is nil the scheduler creates and manages
// its own reactor.
func New(logger *slog.Logger, rx *reactor.Reactor) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:   logger.With("component", "sched"),
		rx:       rx,
		notify:   make(chan struct{}, 1),
		coros:    make(map[ID]*Coro),
		names:    make(map[string]ID),
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
	if s.rx == nil {
		s.rx = reactor.New(logger)
		s.ownReactor = true
	}
	return s
}

// Reactor returns the reactor feeding this scheduler.
func (s *Scheduler) Reactor() *reactor.Reactor { return s.rx }

// SetLocation records the host:port this scheduler is reachable at; it
// qualifies coroutine references handed to remote peers. Must be called
// before Start.
func (s *Scheduler) SetLocation(loc string) { s.location.Store(loc) }

// Location returns the configured location, or "" for a purely local
// scheduler.
func (s *Scheduler) Location() string {
	if v := s.location.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start launches the run loop.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	if s.ownReactor {
		if err := s.rx.Start(); err != nil {
			return err
		}
	}
	go s.loop()
	s.logger.Debug("scheduler started")
	return nil
}

// Stop terminates all coroutines and waits for them to unwind. A coroutine
// blocked outside a suspension point delays Stop until it next suspends or
// returns.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	s.post(func() {
		if s.stopping {
			return
		}
		s.stopping = true
		for _, co := range s.coros {
			s.terminateCo(co)
		}
	})
	<-s.done
	if s.ownReactor {
		s.rx.Stop()
	}
	s.logger.Debug("scheduler stopped")
}

// Spawn creates a coroutine running fn and schedules it.
func (s *Scheduler) Spawn(fn Behavior) (ID, error) {
	if fn == nil {
		return 0, errors.New("nil behavior")
	}
	id := ID(s.nextID.Add(1))
	co := &Coro{
		id:          id,
		s:           s,
		behavior:    fn,
		resume:      make(chan wakeReason),
		yield:       make(chan yieldResult),
		monitors:    make(map[ID]struct{}),
		state:       StateCreated,
		pendingWake: wakeStart,
	}
	ok := s.post(func() {
		if s.stopping {
			co.terminated = true
			co.pendingWake = wakeTerminated
		}
		s.coros[id] = co
		co.state = StateReady
		co.inReady = true
		s.readyq = append(s.readyq, co)
	})
	if !ok {
		return 0, ErrSchedulerClosed
	}
	go co.main()
	return id, nil
}

// Send enqueues payload into the target coroutine's mailbox on behalf of a
// sender outside any coroutine (e.g. a daemon thread or test).
func (s *Scheduler) Send(target ID, payload any) error {
	sender := "sched"
	if loc := s.Location(); loc != "" {
		sender = "sched@" + loc
	}
	msg := Message{Sender: sender, Seq: s.extSeq.Add(1), SentAt: time.Now(), Payload: payload}
	return s.Deliver(target, msg)
}

// Deliver enqueues a fully-formed message (sender and sequence preserved)
// into the target mailbox. Used by the remote transport glue.
func (s *Scheduler) Deliver(target ID, msg Message) error {
	if !s.post(func() { s.deliverLocal(target, msg) }) {
		return ErrSchedulerClosed
	}
	return nil
}

// DeliverNamed routes a message by target string: "coro:<id>" addresses a
// coroutine, "chan:<name>" broadcasts on a channel, anything else is looked
// up in the name registry.
func (s *Scheduler) DeliverNamed(target string, msg Message) error {
	if rest, ok := strings.CutPrefix(target, "coro:"); ok {
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			rest = rest[:at]
		}
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("bad coroutine target %q: %w", target, err)
		}
		return s.Deliver(ID(n), msg)
	}
	if name, ok := strings.CutPrefix(target, "chan:"); ok {
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		ch, ok := s.ChannelByName(name)
		if !ok {
			return fmt.Errorf("unknown channel %q", name)
		}
		return ch.broadcast(msg)
	}

	s.namesMu.RLock()
	id, ok := s.names[target]
	s.namesMu.RUnlock()
	if ok {
		return s.Deliver(id, msg)
	}
	if ch, ok := s.ChannelByName(target); ok {
		return ch.broadcast(msg)
	}
	return fmt.Errorf("unknown target %q", target)
}

// Terminate cancels the coroutine's pending await and marks it for
// cooperative unwinding. Monitors observe the termination.
func (s *Scheduler) Terminate(id ID) error {
	ok := s.post(func() {
		co := s.coros[id]
		if co == nil {
			s.logger.Debug("terminate for unknown coroutine", "id", id)
			return
		}
		s.terminateCo(co)
	})
	if !ok {
		return ErrSchedulerClosed
	}
	return nil
}

// Monitor registers watcher to receive a MonitorEvent when target finishes.
// If target is already gone the event is delivered immediately with
// ErrUnknownCoroutine.
func (s *Scheduler) Monitor(watcher, target ID) error {
	ok := s.post(func() {
		co := s.coros[target]
		if co == nil {
			s.deliverLocal(watcher, Message{
				Sender:  "sched",
				Seq:     s.extSeq.Add(1),
				SentAt:  time.Now(),
				Payload: MonitorEvent{ID: target, Err: ErrUnknownCoroutine},
			})
			return
		}
		co.monitors[watcher] = struct{}{}
	})
	if !ok {
		return ErrSchedulerClosed
	}
	return nil
}

// Swap installs fn as the coroutine's next behavior. The running behavior
// observes ErrBehaviorSwapped at its next suspension point and unwinds; the
// scheduler then re-enters the coroutine with fn.
func (s *Scheduler) Swap(id ID, fn Behavior) error {
	if fn == nil {
		return errors.New("nil behavior")
	}
	ok := s.post(func() {
		co := s.coros[id]
		if co == nil {
			s.logger.Debug("swap for unknown coroutine", "id", id)
			return
		}
		co.swapPending = fn
		if co.waiting != waitNone {
			s.wake(co, wakeSwap)
		}
	})
	if !ok {
		return ErrSchedulerClosed
	}
	return nil
}

// Register binds a name to a coroutine so remote peers can resolve it. The
// binding is released when the coroutine finishes; if the coroutine is
// already gone by the time the binding lands, it is released immediately.
func (s *Scheduler) Register(name string, id ID) error {
	if name == "" {
		return errors.New("empty name")
	}
	s.namesMu.Lock()
	if _, dup := s.names[name]; dup {
		s.namesMu.Unlock()
		return fmt.Errorf("name %q already registered", name)
	}
	s.names[name] = id
	s.namesMu.Unlock()

	ok := s.post(func() {
		co := s.coros[id]
		if co == nil {
			// Finished (or never existed) before the binding landed; the
			// finish path can't clean it up, so release it here.
			s.namesMu.Lock()
			if s.names[name] == id {
				delete(s.names, name)
			}
			s.namesMu.Unlock()
			return
		}
		co.name = name
	})
	if !ok {
		s.Unregister(name)
		return ErrSchedulerClosed
	}
	return nil
}

// Unregister removes a name binding.
func (s *Scheduler) Unregister(name string) {
	s.namesMu.Lock()
	delete(s.names, name)
	s.namesMu.Unlock()
}

// ResolveLocal maps a registered name to a canonical target string
// ("coro:<id>" or "chan:<name>") for the transport's resolve replies.
func (s *Scheduler) ResolveLocal(name string) (string, bool) {
	s.namesMu.RLock()
	id, ok := s.names[name]
	s.namesMu.RUnlock()
	if ok {
		return fmt.Sprintf("coro:%d", id), true
	}
	if _, ok := s.ChannelByName(name); ok {
		return "chan:" + name, true
	}
	return "", false
}

// Join blocks until all non-daemon coroutines have finished. External use
// only.
func (s *Scheduler) Join() {
	ch := make(chan struct{})
	ok := s.post(func() {
		if s.allDone() {
			close(ch)
			return
		}
		s.joinWaiters = append(s.joinWaiters, ch)
	})
	if !ok {
		return
	}
	<-ch
}

// Count reports the number of live coroutines. External use only.
func (s *Scheduler) Count() int {
	ch := make(chan int, 1)
	if !s.post(func() { ch <- len(s.coros) }) {
		return 0
	}
	return <-ch
}

// ---- run loop ----

func (s *Scheduler) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.ops = append(s.ops, fn)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		s.drainOps()

		if s.stopping && len(s.coros) == 0 {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}

		if len(s.readyq) > 0 {
			co := s.readyq[0]
			s.readyq = s.readyq[1:]
			co.inReady = false
			s.run(co)
			continue
		}

		<-s.notify
	}
}

func (s *Scheduler) drainOps() {
	for {
		s.mu.Lock()
		if len(s.ops) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.ops
		s.ops = nil
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// run hands the processor to co and blocks until it suspends or finishes.
func (s *Scheduler) run(co *Coro) {
	co.state = StateRunning
	r := co.pendingWake
	co.resume <- r

	res := <-co.yield
	if res.kind == yieldFinished {
		s.finish(co, res.err)
		return
	}
	co.state = StateSuspended
}

func (s *Scheduler) wake(co *Coro, reason wakeReason) {
	co.waiting = waitNone
	co.waitGen++
	co.pendingWake = reason
	co.state = StateReady
	if !co.inReady {
		co.inReady = true
		s.readyq = append(s.readyq, co)
	}
}

// wakeIf wakes the coroutine only if it is still in the suspension the
// wakeup was armed for; stale timer callbacks are ignored.
func (s *Scheduler) wakeIf(id ID, kind waitKind, gen uint64, reason wakeReason) {
	co := s.coros[id]
	if co == nil || co.waiting != kind || co.waitGen != gen {
		return
	}
	s.wake(co, reason)
}

func (s *Scheduler) terminateCo(co *Coro) {
	co.terminated = true
	if co.waiting != waitNone {
		s.wake(co, wakeTerminated)
	}
}

func (s *Scheduler) deliverLocal(target ID, msg Message) {
	co := s.coros[target]
	if co == nil {
		s.logger.Debug("dropping message for unknown coroutine", "target", target, "sender", msg.Sender)
		return
	}
	co.mailbox = append(co.mailbox, msg)
	if co.waiting == waitMessage {
		s.wake(co, wakeMessage)
	}
}

func (s *Scheduler) finish(co *Coro, err error) {
	delete(s.coros, co.id)
	if co.name != "" {
		s.Unregister(co.name)
	}

	var fault *FaultError
	switch {
	case err == nil:
		co.state = StateFinished
	case errors.Is(err, ErrTerminated):
		co.state = StateTerminated
		err = ErrTerminated
	case errors.As(err, &fault):
		co.state = StateFaulted
		s.logger.Warn("coroutine fault", "id", co.id, "error", err)
	default:
		co.state = StateFaulted
		err = &FaultError{ID: co.id, Err: err}
		s.logger.Warn("coroutine fault", "id", co.id, "error", err)
	}

	for m := range co.monitors {
		s.deliverLocal(m, Message{
			Sender:  fmt.Sprintf("coro:%d", co.id),
			Seq:     s.extSeq.Add(1),
			SentAt:  time.Now(),
			Payload: MonitorEvent{ID: co.id, Err: err},
		})
	}

	s.logger.Debug("coroutine finished", "id", co.id, "state", co.state.String())
	s.checkIdle()
}

// checkIdle releases Join waiters once only daemon coroutines remain.
func (s *Scheduler) checkIdle() {
	if !s.allDone() {
		return
	}
	for _, ch := range s.joinWaiters {
		close(ch)
	}
	s.joinWaiters = nil
}

func (s *Scheduler) allDone() bool {
	for _, co := range s.coros {
		if !co.daemon {
			return false
		}
	}
	return true
}
