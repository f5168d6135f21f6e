// Package models provides data model definitions for the sync engine.
package models

import "time"

// EntitySnapshot is the remote authority's current view of one entity.
// Version and ModifiedAt drive conflict detection; Data carries the
// entity fields.
type EntitySnapshot struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Version    int64                  `json:"version"`
	ModifiedAt int64                  `json:"modified_at"` // unix ms
	Data       map[string]interface{} `json:"data,omitempty"`
	Deleted    bool                   `json:"deleted,omitempty"`
}

// ModifiedAtTime returns ModifiedAt as time.Time.
func (s *EntitySnapshot) ModifiedAtTime() time.Time {
	return time.UnixMilli(s.ModifiedAt)
}

// FieldVersion extracts a version field from loosely-typed entity data.
// JSON decoding yields float64 for numbers; stores may hand back int64.
func FieldVersion(data map[string]interface{}) (int64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data["version"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// FieldModifiedAt extracts a modified-at timestamp (unix ms) from
// loosely-typed entity data.
func FieldModifiedAt(data map[string]interface{}) (int64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data["modified_at"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
