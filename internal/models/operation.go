// Package models provides data model definitions for the sync engine.
package models

import "time"

// OperationKind identifies the mutation an operation replays remotely.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Priority orders queued operations within a batch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of a priority, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// SyncOperation represents a single user intent to be replicated to the
// remote authority. Payload is nil for deletes.
type SyncOperation struct {
	ID         string                 `db:"id" json:"id"`
	Kind       OperationKind          `db:"kind" json:"kind"`
	EntityType string                 `db:"entity_type" json:"entity_type"`
	EntityID   string                 `db:"entity_id" json:"entity_id"`
	Payload    map[string]interface{} `db:"payload" json:"payload,omitempty"`
	CreatedAt  int64                  `db:"created_at" json:"created_at"` // unix ms
	RetryCount int                    `db:"retry_count" json:"retry_count"`
	MaxRetries int                    `db:"max_retries" json:"max_retries"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *SyncOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// QueuedOperation wraps a SyncOperation with scheduling metadata.
// DependsOn lists operation ids that must leave the queue before this
// operation becomes eligible. NextAttemptAt is the backoff floor: the
// operation is not selected before that instant.
type QueuedOperation struct {
	Operation     SyncOperation `json:"operation"`
	Priority      Priority      `json:"priority"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	NextAttemptAt int64         `json:"next_attempt_at"` // unix ms
	EnqueuedAt    int64         `json:"enqueued_at"`     // unix ms
	LastError     string        `json:"last_error,omitempty"`
}

// TableName returns the store collection for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

