package worker

import "time"

// Event kinds emitted by workers.
const (
	EventWorkerStarted = "worker_started"
	EventWorkerStopped = "worker_stopped"
	EventStarted       = "started"
	EventCompleted     = "completed"
	EventRetry         = "retry"
	EventFailed        = "failed"
	EventDeferred      = "deferred"
)

// Event reports a worker or job state change. Events are best effort: a
// full channel drops them.
type Event struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	JobType   string    `json:"job_type,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}
