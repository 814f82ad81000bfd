// Package store holds the GORM models and repositories backing the run,
// event, suspension, batch, and stream-chunk tables described in the
// worker's external interfaces contract.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run status values. Monotonic except suspended<->running.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSuspended = "suspended"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Node event kinds, append-only per (run, node, attempt).
const (
	EventScheduled      = "SCHEDULED"
	EventStarted        = "STARTED"
	EventCompleted      = "COMPLETED"
	EventFailed         = "FAILED"
	EventCancelled      = "CANCELLED"
	EventRetryScheduled = "RETRY_SCHEDULED"
	EventSuspended      = "SUSPENDED"
	EventResumed        = "RESUMED"
)

// Suspension kinds.
const (
	SuspensionWebhook = "webhook"
	SuspensionSubflow = "subflow"
	SuspensionDelay   = "delay"
	SuspensionMap     = "map"
)

// Batch operation status values.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
	BatchTimedOut  = "timed_out"
)

// Stream chunk kinds.
const (
	ChunkProgress = "progress"
	ChunkData     = "data"
	ChunkError    = "error"
	ChunkToken    = "token"
	ChunkComplete = "complete"
)

// Workflow is the top-level definition a run is an execution of.
type Workflow struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string     `gorm:"index" json:"name"`
	ActiveVersionID     *uuid.UUID `gorm:"type:uuid" json:"active_version_id,omitempty"`
	ScheduleCron        string     `json:"schedule_cron,omitempty"`
	ScheduleTimezone    string     `json:"schedule_timezone,omitempty"`
	ScheduleOverlapMode string     `json:"schedule_overlap_mode,omitempty"` // "skip" | "allow"
	ScheduleNextRun     *time.Time `json:"schedule_next_run,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// WorkflowVersion is an immutable graph snapshot a run binds to.
type WorkflowVersion struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID    uuid.UUID      `gorm:"type:uuid;index" json:"workflow_id"`
	GraphSnapshot datatypes.JSON `json:"graph_snapshot"`
	IsDraft       bool           `json:"is_draft"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Run is a single execution of a workflow graph.
type Run struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID    uuid.UUID      `gorm:"type:uuid;index" json:"workflow_id"`
	VersionID     uuid.UUID      `gorm:"type:uuid" json:"version_id"`
	GraphSnapshot datatypes.JSON `json:"graph_snapshot"`
	Status        string         `gorm:"index" json:"status"`
	InputData     datatypes.JSON `json:"input_data"`
	ParentRunID   *uuid.UUID     `gorm:"type:uuid;index" json:"parent_run_id,omitempty"`
	ParentNodeID  string         `json:"parent_node_id,omitempty"`
	Depth         int            `json:"depth"`
	Result        datatypes.JSON `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// RunEvent is an append-only node-lifecycle transition record.
// The (run_id, node_id, attempt) triple is the idempotency key: at most one
// terminal event (COMPLETED/FAILED/CANCELLED) may exist per triple.
type RunEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID      `gorm:"type:uuid;index:idx_run_events_idem,priority:1" json:"run_id"`
	NodeID    string         `gorm:"index:idx_run_events_idem,priority:2" json:"node_id"`
	Attempt   int            `gorm:"index:idx_run_events_idem,priority:3" json:"attempt"`
	Kind      string         `gorm:"index" json:"kind"`
	Data      datatypes.JSON `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Suspension is a promise of future resumption. Resolved exactly once.
type Suspension struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID            uuid.UUID      `gorm:"type:uuid;index" json:"run_id"`
	NodeID           string         `json:"node_id"`
	Kind             string         `gorm:"index" json:"kind"`
	ResumeToken      string         `gorm:"uniqueIndex" json:"resume_token,omitempty"`
	ResumeAfter      *time.Time     `gorm:"index" json:"resume_after,omitempty"`
	ExecutionContext datatypes.JSON `json:"execution_context,omitempty"`
	ExpiresAt        *time.Time     `gorm:"index" json:"expires_at,omitempty"`
	ResumedAt        *time.Time     `json:"resumed_at,omitempty"`
	ResumedBy        string         `json:"resumed_by,omitempty"`
	ResumePayload    datatypes.JSON `json:"resume_payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Resolved reports whether this suspension has already been resumed.
func (s *Suspension) Resolved() bool { return s.ResumedAt != nil }

// BatchOperation is the shared mutable state of a map/iterate node.
//
// Invariants: ActiveCount >= 0; CurrentIndex <= TotalItems;
// CompletedCount+FailedCount+ActiveCount <= TotalItems while running; the
// three counters sum to TotalItems once Status is terminal.
type BatchOperation struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID              uuid.UUID      `gorm:"type:uuid;index" json:"run_id"`
	NodeID             string         `json:"node_id"`
	TotalItems         int            `json:"total_items"`
	Concurrency        int            `json:"concurrency"`
	FailFast           bool           `json:"fail_fast"`
	TimeoutSeconds     int            `json:"timeout_seconds"`
	CurrentIndex       int            `json:"current_index"`
	ActiveCount        int            `json:"active_count"`
	CompletedCount     int            `json:"completed_count"`
	FailedCount        int            `json:"failed_count"`
	Status             string         `gorm:"index" json:"status"`
	ChildGraphSnapshot datatypes.JSON `json:"child_graph_snapshot,omitempty"`
	ChildDepth         int            `json:"child_depth"`
	InputItems         datatypes.JSON `json:"input_items"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// BatchResult is an append-only per-item outcome. Unique on (batch, item_index).
type BatchResult struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID    uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_batch_item,priority:1" json:"batch_id"`
	ItemIndex  int            `gorm:"uniqueIndex:idx_batch_item,priority:2" json:"item_index"`
	ChildRunID uuid.UUID      `gorm:"type:uuid" json:"child_run_id"`
	Status     string         `json:"status"`
	Output     datatypes.JSON `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// StreamChunk is an ordered piece of streamed output emitted during execution.
type StreamChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RunID      uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	NodeID     string    `json:"node_id"`
	ChunkIndex int       `json:"chunk_index"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllModels lists every model for AutoMigrate at bootstrap.
func AllModels() []interface{} {
	return []interface{}{
		&Workflow{},
		&WorkflowVersion{},
		&Run{},
		&RunEvent{},
		&Suspension{},
		&BatchOperation{},
		&BatchResult{},
		&StreamChunk{},
	}
}
