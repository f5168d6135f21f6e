// Package models provides data model definitions for the sync engine.
package models

import "time"

// OptimisticUpdate is a speculative visible-state change awaiting remote
// confirmation. PriorState is nil when the entity did not exist before the
// change; in that case rollback deletes the entity.
type OptimisticUpdate struct {
	ID            string                 `json:"id"`
	OperationID   string                 `json:"operation_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	PriorState    map[string]interface{} `json:"prior_state,omitempty"`
	ProposedState map[string]interface{} `json:"proposed_state,omitempty"`
	Applied       bool                   `json:"applied"`
	AppliedAt     int64                  `json:"applied_at"` // unix ms
}

// TableName returns the store collection for OptimisticUpdate.
func (OptimisticUpdate) TableName() string {
	return "optimistic_updates"
}

// AppliedAtTime returns AppliedAt as time.Time.
func (u *OptimisticUpdate) AppliedAtTime() time.Time {
	return time.UnixMilli(u.AppliedAt)
}

// Age returns how long the update has been open relative to now.
func (u *OptimisticUpdate) Age(now time.Time) time.Duration {
	return now.Sub(u.AppliedAtTime())
}
