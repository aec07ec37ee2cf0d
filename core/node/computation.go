package node

import (
	"encoding/json"

	"github.com/coromesh/coromesh/core/dispatch"
	"github.com/coromesh/coromesh/core/sched"
)

// ComputationFunc is a job body. It runs inside a coroutine, so it may use
// co to receive messages, sleep and yield; cancellation surfaces as
// sched.ErrTerminated from the next suspension point. The returned value is
// delivered to the submitter as the job result.
type ComputationFunc func(co *sched.Coro, job *JobContext) (json.RawMessage, error)

// JobContext carries per-job input and the partial-result channel back to
// the dispatcher. It is used by exactly one coroutine; no locking needed.
type JobContext struct {
	JobID string
	Args  json.RawMessage

	node *Node
	seq  uint64
}

// Emit streams one partial-result chunk to the submitter, in order.
func (jc *JobContext) Emit(data []byte) {
	jc.seq++
	jc.node.enqueue(dispatch.MsgChunk, dispatch.ChunkMessage{
		JobID: jc.JobID,
		Seq:   jc.seq,
		Data:  data,
	})
}

// Decode unmarshals the job arguments into v.
func (jc *JobContext) Decode(v any) error {
	if len(jc.Args) == 0 {
		return nil
	}
	return json.Unmarshal(jc.Args, v)
}
