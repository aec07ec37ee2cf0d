package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// job is the dispatcher's internal record of one computation instance. It is
// owned by the dispatcher loop; nothing outside that goroutine touches it.
type job struct {
	id        string
	comp      Computation
	state     JobState
	worker    *worker // nil while waiting for capacity
	filter    NodeFilter
	submitted time.Time
	handle    *JobHandle

	cancelRequested bool
}

// JobHandle is the client-side view of a submitted job. Result and Stream
// are safe to use from any goroutine.
type JobHandle struct {
	id   string
	d    *Dispatcher
	comp Computation

	stream chan []byte
	done   chan struct{}

	// written once by the dispatcher loop before done is closed
	resValue json.RawMessage
	resErr   error
}

func newJobHandle(d *Dispatcher, id string, comp Computation, streamBuf int) *JobHandle {
	if streamBuf <= 0 {
		streamBuf = 1
	}
	return &JobHandle{
		id:     id,
		d:      d,
		comp:   comp,
		stream: make(chan []byte, streamBuf),
		done:   make(chan struct{}),
	}
}

// ID returns the job identifier.
func (h *JobHandle) ID() string { return h.id }

// Computation returns what was submitted.
func (h *JobHandle) Computation() Computation { return h.comp }

// Result blocks until the job reaches a terminal state or ctx is done. It
// returns the worker-produced value for completed jobs and an error for
// failed or cancelled ones.
func (h *JobHandle) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.resValue, h.resErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Stream yields partial-result chunks in the order the worker produced
// them. The channel is closed after the terminal result is recorded, so a
// range over it ends exactly when Result would unblock.
func (h *JobHandle) Stream() <-chan []byte { return h.stream }

// Cancel requests cooperative cancellation. The running coroutine observes
// it at its next suspension point; a still-pending job is cancelled
// immediately.
func (h *JobHandle) Cancel() error { return h.d.CancelJob(h.id) }

// finish records the terminal outcome. Called only from the dispatcher
// loop, at most once per handle.
func (h *JobHandle) finish(value json.RawMessage, err error) {
	h.resValue = value
	h.resErr = err
	close(h.stream)
	close(h.done)
}

// pushChunk forwards one streaming chunk without ever blocking the
// dispatcher loop. Returns false when the subscriber fell behind and the
// chunk was dropped.
func (h *JobHandle) pushChunk(data []byte) bool {
	select {
	case h.stream <- data:
		return true
	default:
		return false
	}
}
