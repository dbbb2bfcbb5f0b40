// Package model defines the documents persisted in the team directory:
// tasks, failure sidecars, inbox/outbox messages, shutdown signals,
// heartbeats, and the supplemental run-audit record. These are the
// filesystem-facing wire types the rest of the daemon reads and writes;
// they carry no behavior beyond small helpers for constructing variants.
package model

import "time"

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is the structured document persisted at tasks/<team>/<id>.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Owner       string         `json:"owner"`
	Status      TaskStatus     `json:"status"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	ClaimedBy  string `json:"claimedBy,omitempty"`
	ClaimedAt  int64  `json:"claimedAt,omitempty"`
	ClaimPid   int    `json:"claimPid,omitempty"`
}

// FailureRecord is the sidecar document persisted at tasks/<team>/<id>.failure.
type FailureRecord struct {
	LastError     string    `json:"lastError"`
	RetryCount    int       `json:"retryCount"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

// InboxMessageType tags the kind of an inbox message.
type InboxMessageType string

// InboxMessage is a single record in a worker's inbox log, produced by the
// team lead and consumed by the worker in arrival order.
type InboxMessage struct {
	Type      InboxMessageType `json:"type"`
	Content   string           `json:"content"`
	Timestamp string           `json:"timestamp"`
}

// OutboxMessageType discriminates the outbox tagged union.
type OutboxMessageType string

const (
	OutboxTaskComplete OutboxMessageType = "task_complete"
	OutboxTaskFailed   OutboxMessageType = "task_failed"
	OutboxError        OutboxMessageType = "error"
	OutboxIdle         OutboxMessageType = "idle"
	OutboxShutdownAck  OutboxMessageType = "shutdown_ack"
)

// OutboxMessage is a tagged union appended to a worker's outbox log.
// Only the fields relevant to Type are populated; consumers must ignore
// unrecognized Type values for forward compatibility.
type OutboxMessage struct {
	Type      OutboxMessageType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`

	TaskID  string `json:"taskId,omitempty"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`

	RequestID string `json:"requestId,omitempty"`
}

// NewTaskCompleteMessage builds a task_complete outbox entry.
func NewTaskCompleteMessage(taskID, summary string) OutboxMessage {
	return OutboxMessage{Type: OutboxTaskComplete, Timestamp: time.Now().UTC(), TaskID: taskID, Summary: summary}
}

// NewTaskFailedMessage builds a task_failed outbox entry.
func NewTaskFailedMessage(taskID, errText string, attempt int) OutboxMessage {
	return OutboxMessage{Type: OutboxTaskFailed, Timestamp: time.Now().UTC(), TaskID: taskID, Error: errText, Attempt: attempt}
}

// NewErrorMessage builds a free-form error outbox entry.
func NewErrorMessage(msg string) OutboxMessage {
	return OutboxMessage{Type: OutboxError, Timestamp: time.Now().UTC(), Message: msg}
}

// NewIdleMessage builds a free-form idle outbox entry.
func NewIdleMessage(msg string) OutboxMessage {
	return OutboxMessage{Type: OutboxIdle, Timestamp: time.Now().UTC(), Message: msg}
}

// NewShutdownAckMessage builds a shutdown_ack outbox entry.
func NewShutdownAckMessage(requestID string) OutboxMessage {
	return OutboxMessage{Type: OutboxShutdownAck, Timestamp: time.Now().UTC(), RequestID: requestID}
}

// ShutdownSignal is the document written by the team lead at
// teams/<team>/signals/<worker>.shutdown to request a clean stop.
type ShutdownSignal struct {
	RequestID string    `json:"requestId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatStatus is the lifecycle status reported in a heartbeat document.
type HeartbeatStatus string

const (
	HeartbeatPolling     HeartbeatStatus = "polling"
	HeartbeatExecuting   HeartbeatStatus = "executing"
	HeartbeatQuarantined HeartbeatStatus = "quarantined"
)

// Heartbeat is the document written by a worker at
// teams/<team>/heartbeats/<worker>, rewritten at least once per cycle.
type Heartbeat struct {
	Worker            string          `json:"worker"`
	Team              string          `json:"team"`
	Provider          string          `json:"provider"`
	Pid               int             `json:"pid"`
	LastPollAt        time.Time       `json:"lastPollAt"`
	CurrentTaskID     string          `json:"currentTaskId,omitempty"`
	ConsecutiveErrors int             `json:"consecutiveErrors"`
	Status            HeartbeatStatus `json:"status"`
}

// AuditRecord is the supplemental cumulative-counter document written
// alongside the heartbeat once per cycle.
type AuditRecord struct {
	Worker            string    `json:"worker"`
	Team              string    `json:"team"`
	CyclesObserved    int64     `json:"cyclesObserved"`
	TasksClaimed      int64     `json:"tasksClaimed"`
	TasksCompleted    int64     `json:"tasksCompleted"`
	TasksFailed       int64     `json:"tasksFailed"`
	PermanentFailures int64     `json:"permanentFailures"`
	IdleCycles        int64     `json:"idleCycles"`
	LastSuccessfulAt  time.Time `json:"lastSuccessfulAt,omitzero"`
}
