package sched

import "time"

// Message is an immutable payload delivered to a coroutine mailbox or
// broadcast over a channel. Messages from one sender to one recipient are
// delivered in send order; there is no ordering across senders.
type Message struct {
	Sender  string    `json:"sender"` // qualified coroutine reference, e.g. "coro:17@10.0.0.2:7450"
	Seq     uint64    `json:"seq"`    // per-sender logical send counter
	SentAt  time.Time `json:"sent_at"`
	Payload any       `json:"payload"`
}

// MonitorEvent is delivered to a monitoring coroutine's mailbox when a
// watched coroutine finishes. Err is nil on normal completion, ErrTerminated
// after Terminate, or a *FaultError when the body panicked or returned an
// error.
type MonitorEvent struct {
	ID  ID
	Err error
}

// State describes a coroutine lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateSuspended
	StateFinished
	StateTerminated
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	case StateTerminated:
		return "terminated"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
