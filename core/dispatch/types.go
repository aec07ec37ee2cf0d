package dispatch

import (
	"encoding/json"
	"time"

	"github.com/coromesh/coromesh/core/transport"
)

// WorkerState tracks a worker through its health lifecycle. Transitions are
// monotonic: Unknown→Alive→Suspect→Dead (with Suspect→Alive allowed after a
// revive streak). A Dead worker never comes back; re-registration creates a
// new worker identity.
type WorkerState int

const (
	WorkerUnknown WorkerState = iota
	WorkerAlive
	WorkerSuspect
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerAlive:
		return "alive"
	case WorkerSuspect:
		return "suspect"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// JobState tracks one computation instance on one worker.
type JobState int

const (
	JobSubmitted JobState = iota
	JobDispatched
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobSubmitted:
		return "submitted"
	case JobDispatched:
		return "dispatched"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Computation names a function registered on workers plus its input. Code
// itself is not shipped; the payload contract is the registered name and
// JSON arguments.
type Computation struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// WorkerInfo is the dispatcher's view of one worker. Load counts jobs
// assigned by this dispatcher; ReportedLoad is what the worker last claimed
// in a heartbeat.
type WorkerInfo struct {
	ID            string             `json:"id"`
	Endpoint      transport.Endpoint `json:"endpoint"`
	Capacity      int                `json:"capacity"`
	Load          int                `json:"load"`
	ReportedLoad  int                `json:"reported_load"`
	Tags          map[string]string  `json:"tags,omitempty"`
	State         WorkerState        `json:"state"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
}

// StatusKind enumerates client-visible scheduler events.
type StatusKind string

const (
	StatusWorkerRegistered StatusKind = "worker_registered"
	StatusWorkerSuspect    StatusKind = "worker_suspect"
	StatusWorkerDead       StatusKind = "worker_dead"
	StatusJobAssigned      StatusKind = "job_assigned"
	StatusJobCompleted     StatusKind = "job_completed"
	StatusJobFailed        StatusKind = "job_failed"
	StatusJobCancelled     StatusKind = "job_cancelled"
)

// Status is one event on the status stream. Events are published in arrival
// order; observers receive read-only copies and never mutate scheduler
// state.
type Status struct {
	Kind        StatusKind         `json:"kind"`
	Time        time.Time          `json:"time"`
	WorkerID    string             `json:"worker_id,omitempty"`
	Endpoint    transport.Endpoint `json:"endpoint,omitempty"`
	State       WorkerState        `json:"state,omitempty"`
	PrevState   WorkerState        `json:"prev_state,omitempty"`
	JobID       string             `json:"job_id,omitempty"`
	Computation string             `json:"computation,omitempty"`
	Error       string             `json:"error,omitempty"`
}
