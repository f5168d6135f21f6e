// Package models provides data model definitions for the sync engine.
package models

import "time"

// ConflictKind classifies a detected divergence between local and remote
// state. Multiple kinds may co-occur for the same operation.
type ConflictKind string

const (
	ConflictVersion         ConflictKind = "version"
	ConflictConcurrentEdit  ConflictKind = "concurrent_edit"
	ConflictDeletedRemotely ConflictKind = "deleted_remotely"
	ConflictDeletedLocally  ConflictKind = "deleted_locally"
)

// SyncConflict records a detected divergence for one operation.
type SyncConflict struct {
	ID          string                 `json:"id"`
	OperationID string                 `json:"operation_id"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Kind        ConflictKind           `json:"kind"`
	LocalData   map[string]interface{} `json:"local_data,omitempty"`
	RemoteData  map[string]interface{} `json:"remote_data,omitempty"`
	Resolved    bool                   `json:"resolved"`
	DetectedAt  int64                  `json:"detected_at"` // unix ms
	Resolution  string                 `json:"resolution,omitempty"`
}

// TableName returns the store collection for resolved-conflict records.
func (SyncConflict) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *SyncConflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
