package domain

import (
	"time"

	"github.com/marginapp/margin-sync/internal/errors"
)

// TaskState is the lifecycle state of a SyncTask.
type TaskState string

// Task states. queued -> running -> {succeeded | failed | cancelled};
// failed may return to queued on retry; cancelled is terminal and
// reachable from queued or running.
const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions happen from s,
// other than a failed task being manually re-enqueued.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskQueued:
		return to == TaskRunning || to == TaskCancelled
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed || to == TaskCancelled
	case TaskFailed:
		return to == TaskQueued
	default:
		return false
	}
}

// TaskError is the classified failure attached to a failed task: a short
// user-facing message plus the raw detail for the expandable view.
type TaskError struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

// Retryable reports whether the scheduler may re-enqueue automatically.
func (e *TaskError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Code.Retryable()
}

// TaskKey identifies a task by its content item. The (Source, RawID) pair
// is globally unique; at most one non-terminal task exists per key.
type TaskKey struct {
	Source Source `json:"source"`
	RawID  string `json:"rawId"`
}

// SyncTask is one unit of work: reconciling a single content item.
// Mutated only by the queue and the executor that runs it.
type SyncTask struct {
	ID           string     `json:"id"`
	Key          TaskKey    `json:"key"`
	Title        string     `json:"title"`
	Subtitle     string     `json:"subtitle,omitempty"`
	State        TaskState  `json:"state"`
	ProgressText string     `json:"progressText,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	StartedAt    time.Time  `json:"startedAt,omitzero"`
	FinishedAt   time.Time  `json:"finishedAt,omitzero"`
}

// Clone returns a deep copy, so queue snapshots can be handed out without
// racing the executor's mutations.
func (t *SyncTask) Clone() *SyncTask {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
