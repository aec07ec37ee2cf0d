package dispatch

import (
	"encoding/json"

	"github.com/coromesh/coromesh/core/transport"
)

// Well-known transport targets.
const (
	TargetDispatcher = "dispatch" // worker → dispatcher traffic
	TargetNode       = "node"     // dispatcher → worker commands
)

// Worker-to-dispatcher message types.
const (
	MsgRegister = "register"
	MsgRunning  = "running"
	MsgChunk    = "chunk"
	MsgResult   = "result"
	MsgBye      = "bye"
)

// Dispatcher-to-worker command types.
const (
	CmdRun    = "run"
	CmdCancel = "cancel"
	CmdClose  = "close"
	CmdQuit   = "quit"
)

// WorkerMessage is the envelope payload workers send to TargetDispatcher.
type WorkerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NodeCommand is the envelope payload the dispatcher sends to TargetNode.
type NodeCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterRequest announces a worker to the dispatcher.
type RegisterRequest struct {
	WorkerID string             `json:"worker_id"`
	Endpoint transport.Endpoint `json:"endpoint"`
	Capacity int                `json:"capacity"`
	Tags     map[string]string  `json:"tags,omitempty"`
}

// RunCommand asks a worker to start one job.
type RunCommand struct {
	JobID       string          `json:"job_id"`
	Computation string          `json:"computation"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// CancelCommand asks a worker to cooperatively cancel a job. The job
// coroutine observes it at its next suspension point.
type CancelCommand struct {
	JobID string `json:"job_id"`
}

// CloseCommand retires a computation name on the worker; later runs of that
// name fail.
type CloseCommand struct {
	Computation string `json:"computation"`
}

// RunningMessage confirms a job started on the worker.
type RunningMessage struct {
	JobID string `json:"job_id"`
}

// ChunkMessage carries one partial-result chunk of a streaming job.
type ChunkMessage struct {
	JobID string `json:"job_id"`
	Seq   uint64 `json:"seq"`
	Data  []byte `json:"data"`
}

// ResultMessage carries a job's terminal outcome.
type ResultMessage struct {
	JobID string          `json:"job_id"`
	Value json.RawMessage `json:"value,omitempty"`
	Err   string          `json:"err,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All wire structs are plain data; marshal cannot fail for them.
		panic(err)
	}
	return data
}
