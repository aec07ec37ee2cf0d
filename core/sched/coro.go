package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/coromesh/coromesh/core/reactor"
)

// ID identifies a coroutine within one scheduler. Remote references qualify
// it with the owning process location (see Coro.Ref).
type ID uint64

// Behavior is a coroutine body. It runs cooperatively: control is given up
// only at suspension points (Receive, Sleep, Yield). A body that performs a
// long blocking call without suspending stalls the entire local scheduler;
// I/O and heartbeats keep running on the reactor, but no other coroutine
// makes progress until it yields.
//
// A body must propagate errors returned by suspension points (ErrTerminated,
// ErrBehaviorSwapped) so the scheduler can complete the control action.
type Behavior func(co *Coro) error

type waitKind int

const (
	waitNone waitKind = iota
	waitMessage
	waitSleep
	waitYield
)

type wakeReason int

const (
	wakeStart wakeReason = iota
	wakeMessage
	wakeTimeout
	wakeYield
	wakeTerminated
	wakeSwap
)

type yieldKind int

const (
	yieldSuspend yieldKind = iota
	yieldFinished
)

type yieldResult struct {
	kind yieldKind
	err  error
}

// Coro is the in-body handle of a coroutine. Exactly one of the scheduler
// loop and the coroutine goroutine is active at any moment; the resume/yield
// handoff channels provide the mutual exclusion, so no field below needs a
// lock.
type Coro struct {
	id ID
	s  *Scheduler

	resume chan wakeReason
	yield  chan yieldResult

	// Owned by whichever side of the handoff is active.
	mailbox     []Message
	waiting     waitKind
	waitGen     uint64
	pendingWake wakeReason
	terminated  bool
	behavior    Behavior
	swapPending Behavior
	daemon      bool
	monitors    map[ID]struct{}
	state       State
	inReady     bool
	name        string

	// Owned by the coroutine goroutine only.
	sendSeq uint64
}

// ID returns the process-local coroutine identifier.
func (c *Coro) ID() ID { return c.id }

// Ref returns the qualified reference other processes can address this
// coroutine by, e.g. "coro:17@10.0.0.2:7450".
func (c *Coro) Ref() string {
	if loc := c.s.Location(); loc != "" {
		return fmt.Sprintf("coro:%d@%s", c.id, loc)
	}
	return fmt.Sprintf("coro:%d", c.id)
}

// Receive suspends until the mailbox is non-empty and dequeues the oldest
// message. A timeout of zero means wait forever; otherwise expiry returns
// ErrReceiveTimeout.
func (c *Coro) Receive(timeout time.Duration) (Message, error) {
	for {
		if err := c.checkControl(); err != nil {
			return Message{}, err
		}
		if len(c.mailbox) > 0 {
			m := c.mailbox[0]
			c.mailbox = c.mailbox[1:]
			return m, nil
		}

		var tm *reactor.Timer
		if timeout > 0 {
			id, gen := c.id, c.waitGen+1
			tm = c.s.rx.After(timeout, func() {
				c.s.post(func() { c.s.wakeIf(id, waitMessage, gen, wakeTimeout) })
			})
		}

		r := c.block(waitMessage)
		if tm != nil {
			tm.Cancel()
		}

		switch r {
		case wakeMessage:
			// mailbox is non-empty again; loop around and dequeue
		case wakeTimeout:
			return Message{}, ErrReceiveTimeout
		case wakeTerminated:
			return Message{}, ErrTerminated
		case wakeSwap:
			return Message{}, ErrBehaviorSwapped
		}
	}
}

// Sleep suspends the coroutine for at least d. Messages arriving meanwhile
// stay queued in the mailbox.
func (c *Coro) Sleep(d time.Duration) error {
	if err := c.checkControl(); err != nil {
		return err
	}
	if d <= 0 {
		return c.Yield()
	}

	id, gen := c.id, c.waitGen+1
	c.s.rx.After(d, func() {
		c.s.post(func() { c.s.wakeIf(id, waitSleep, gen, wakeTimeout) })
	})

	switch c.block(waitSleep) {
	case wakeTerminated:
		return ErrTerminated
	case wakeSwap:
		return ErrBehaviorSwapped
	default:
		return nil
	}
}

// Yield gives up the processor, letting other ready coroutines run before
// this one is resumed.
func (c *Coro) Yield() error {
	if err := c.checkControl(); err != nil {
		return err
	}

	id, gen := c.id, c.waitGen+1
	c.s.post(func() { c.s.wakeIf(id, waitYield, gen, wakeYield) })

	switch c.block(waitYield) {
	case wakeTerminated:
		return ErrTerminated
	case wakeSwap:
		return ErrBehaviorSwapped
	default:
		return nil
	}
}

// Send enqueues a message into another local coroutine's mailbox, tagged
// with this coroutine as sender. Sends from one coroutine to one recipient
// arrive in call order.
func (c *Coro) Send(target ID, payload any) error {
	c.sendSeq++
	msg := Message{Sender: c.Ref(), Seq: c.sendSeq, SentAt: time.Now(), Payload: payload}
	return c.s.Deliver(target, msg)
}

// Monitor registers this coroutine to receive a MonitorEvent message when
// target finishes.
func (c *Coro) Monitor(target ID) error {
	return c.s.Monitor(c.id, target)
}

// SetDaemon marks this coroutine as a daemon: it does not keep the
// scheduler's Join from returning.
func (c *Coro) SetDaemon() {
	if c.daemon {
		return
	}
	c.daemon = true
	c.s.post(func() { c.s.checkIdle() })
}

// checkControl observes pending terminate/swap controls. Called at every
// suspension point before blocking.
func (c *Coro) checkControl() error {
	if c.terminated {
		return ErrTerminated
	}
	if c.swapPending != nil {
		return ErrBehaviorSwapped
	}
	return nil
}

// block hands control back to the scheduler loop and waits to be resumed.
func (c *Coro) block(kind waitKind) wakeReason {
	c.waiting = kind
	c.waitGen++
	c.yield <- yieldResult{kind: yieldSuspend}
	return <-c.resume
}

// main is the coroutine goroutine. It waits for its first resume, runs the
// behavior (re-entering after swaps), and reports completion through the
// yield channel.
func (c *Coro) main() {
	r := <-c.resume

	var err error
	if r == wakeTerminated {
		err = ErrTerminated
	} else {
		for {
			err = c.runBehavior()
			if errors.Is(err, ErrBehaviorSwapped) && c.swapPending != nil {
				c.behavior = c.swapPending
				c.swapPending = nil
				continue
			}
			break
		}
	}

	c.yield <- yieldResult{kind: yieldFinished, err: err}
}

func (c *Coro) runBehavior() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{ID: c.id, Recovered: r}
		}
	}()
	return c.behavior(c)
}
