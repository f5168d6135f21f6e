// Package remote defines the client interface to the remote authority and
// its REST implementation. The transport performs no retries of its own;
// retry policy belongs to the orchestrator.
package remote

import (
	"context"

	"github.com/kimhsiao/driftsync/internal/models"
)

// Client talks to the remote authority. All calls carry a bounded timeout
// through their context plus the transport's own ceiling.
type Client interface {
	// Fetch returns the current remote snapshot for an entity, or
	// (nil, nil) when the entity does not exist remotely.
	Fetch(ctx context.Context, entityType, entityID string) (*models.EntitySnapshot, error)

	// Create creates an entity. The idempotency key lets the server
	// deduplicate replays of the same operation.
	Create(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error)

	// Update writes an entity's full state, including resolved merges.
	Update(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error)

	// Delete removes an entity remotely.
	Delete(ctx context.Context, idempotencyKey, entityType, entityID string) error

	// Changes returns snapshots modified after the given unix-ms
	// watermark, used by the pull path when nothing local is pending.
	Changes(ctx context.Context, sinceMillis int64) ([]*models.EntitySnapshot, error)

	// Ping performs a lightweight reachability check. Used by the
	// network monitor's active probe.
	Ping(ctx context.Context) error
}
