// Package conflict classifies divergence between local intent and remote
// state and resolves it through pluggable per-kind strategies. Strategies
// are pure functions over (localData, remoteData) plus metadata; applying
// a resolution is the orchestrator's job.
package conflict

import (
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/uuid"
)

// Strategy resolves one conflict kind into merged entity data.
type Strategy interface {
	Resolve(conflict *models.SyncConflict) (map[string]interface{}, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(conflict *models.SyncConflict) (map[string]interface{}, error)

// Resolve calls f.
func (f StrategyFunc) Resolve(conflict *models.SyncConflict) (map[string]interface{}, error) {
	return f(conflict)
}

// DeletePolicy decides what happens when the remote side deleted an
// entity the local side still wants to change. There is no safe silent
// default, so the policy must be configured explicitly; an unset policy
// fails resolution and the local change is rolled back.
type DeletePolicy string

const (
	// DeletePolicyUnset fails deleted_remotely resolution.
	DeletePolicyUnset DeletePolicy = ""
	// DeletePolicyRecreate re-creates the entity from local data.
	DeletePolicyRecreate DeletePolicy = "recreate"
	// DeletePolicyDiscard accepts the remote delete and drops local data.
	DeletePolicyDiscard DeletePolicy = "discard"
)

// Config holds resolver configuration.
type Config struct {
	// ConcurrentWindow is the interval within which local and remote
	// edits count as concurrent. Default 5 minutes.
	ConcurrentWindow time.Duration

	// DeletedRemotely selects the policy for remote deletes.
	DeletedRemotely DeletePolicy

	Now func() time.Time
}

// Resolver detects conflict kinds and dispatches resolution.
type Resolver struct {
	window       time.Duration
	deletePolicy DeletePolicy
	now          func() time.Time
	strategies   map[models.ConflictKind]Strategy
	merges       *mergeRegistry
	logger       *logging.Logger
}

// NewResolver creates a Resolver with the default strategies registered.
func NewResolver(cfg Config) *Resolver {
	if cfg.ConcurrentWindow <= 0 {
		cfg.ConcurrentWindow = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Resolver{
		window:       cfg.ConcurrentWindow,
		deletePolicy: cfg.DeletedRemotely,
		now:          cfg.Now,
		strategies:   make(map[models.ConflictKind]Strategy),
		merges:       newMergeRegistry(),
		logger:       logging.Get().Component("conflict"),
	}

	r.Register(models.ConflictVersion, StrategyFunc(r.resolveLatestWins))
	r.Register(models.ConflictConcurrentEdit, StrategyFunc(r.resolveConcurrentEdit))
	r.Register(models.ConflictDeletedRemotely, StrategyFunc(r.resolveDeletedRemotely))
	r.Register(models.ConflictDeletedLocally, StrategyFunc(r.resolveDeletedLocally))

	return r
}

// Register installs a strategy for a conflict kind, replacing the
// default.
func (r *Resolver) Register(kind models.ConflictKind, strategy Strategy) {
	r.strategies[kind] = strategy
}

// RegisterEntityMerge installs a typed field-merge spec for an entity
// type, used by the concurrent-edit strategy. Entity types without a
// spec fall back to latest-timestamp-wins.
func (r *Resolver) RegisterEntityMerge(entityType string, spec MergeSpec) {
	r.merges.register(entityType, spec)
}

// Detect compares a local operation's baseline against the current
// remote snapshot and returns every conflict kind that applies. An empty
// slice means the operation can be replayed as-is.
func (r *Resolver) Detect(op models.SyncOperation, localData map[string]interface{}, remote *models.EntitySnapshot) []models.SyncConflict {
	var conflicts []models.SyncConflict

	record := func(kind models.ConflictKind, remoteData map[string]interface{}) {
		conflicts = append(conflicts, models.SyncConflict{
			ID:          uuid.New(),
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			Kind:        kind,
			LocalData:   localData,
			RemoteData:  remoteData,
			DetectedAt:  r.now().UnixMilli(),
		})
	}

	remoteGone := remote == nil || remote.Deleted

	if remoteGone {
		// Creating an entity the remote never saw is not a conflict.
		if op.Kind == models.OperationUpdate || op.Kind == models.OperationDelete {
			record(models.ConflictDeletedRemotely, nil)
		}
		return conflicts
	}

	remoteModified := remote.ModifiedAt
	if remoteModified == 0 {
		if v, ok := models.FieldModifiedAt(remote.Data); ok {
			remoteModified = v
		}
	}
	localModified, hasLocalModified := models.FieldModifiedAt(localData)

	if op.Kind == models.OperationDelete {
		// A local delete against a remote that kept editing.
		if hasLocalModified && remoteModified > localModified {
			record(models.ConflictDeletedLocally, remote.Data)
		}
		return conflicts
	}

	localVersion, hasLocalVersion := models.FieldVersion(localData)
	remoteVersion := remote.Version
	if remoteVersion == 0 {
		if v, ok := models.FieldVersion(remote.Data); ok {
			remoteVersion = v
		}
	}
	if hasLocalVersion && remoteVersion != 0 && localVersion != remoteVersion {
		record(models.ConflictVersion, remote.Data)
	}

	if hasLocalModified && remoteModified != 0 {
		diff := localModified - remoteModified
		if diff < 0 {
			diff = -diff
		}
		if time.Duration(diff)*time.Millisecond <= r.window {
			record(models.ConflictConcurrentEdit, remote.Data)
		}
	}

	if len(conflicts) > 0 {
		kinds := make([]string, len(conflicts))
		for i, c := range conflicts {
			kinds[i] = string(c.Kind)
		}
		r.logger.Warn("Conflicts detected",
			map[string]interface{}{
				"operation_id": op.ID,
				"entity":       op.EntityType + "/" + op.EntityID,
				"kinds":        kinds,
			})
	}

	return conflicts
}

// Resolve dispatches a conflict to the strategy registered for its kind
// and returns the merged data the orchestrator should write remotely.
// A nil result with nil error means the remote state stands and the
// local change is dropped.
func (r *Resolver) Resolve(conflict *models.SyncConflict) (map[string]interface{}, error) {
	strategy, ok := r.strategies[conflict.Kind]
	if !ok {
		return nil, errors.New(errors.ErrSyncUnresolvable, "no strategy for conflict kind "+string(conflict.Kind))
	}

	merged, err := strategy.Resolve(conflict)
	if err != nil {
		return nil, err
	}

	conflict.Resolved = true

	r.logger.Info("Conflict resolved",
		map[string]interface{}{
			"conflict_id": conflict.ID,
			"kind":        string(conflict.Kind),
			"resolution":  conflict.Resolution,
			"entity":      conflict.EntityType + "/" + conflict.EntityID,
		})

	return merged, nil
}

// resolveLatestWins picks the side with the later modified timestamp.
func (r *Resolver) resolveLatestWins(conflict *models.SyncConflict) (map[string]interface{}, error) {
	if localNewer(conflict) {
		conflict.Resolution = "local_wins"
		return conflict.LocalData, nil
	}
	conflict.Resolution = "remote_wins"
	return conflict.RemoteData, nil
}

// resolveConcurrentEdit performs the typed field merge for known entity
// types and falls back to latest-timestamp-wins otherwise.
func (r *Resolver) resolveConcurrentEdit(conflict *models.SyncConflict) (map[string]interface{}, error) {
	spec, ok := r.merges.lookup(conflict.EntityType)
	if !ok {
		return r.resolveLatestWins(conflict)
	}

	conflict.Resolution = "field_merge"
	return spec.merge(conflict.LocalData, conflict.RemoteData, localNewer(conflict)), nil
}

// resolveDeletedRemotely applies the configured delete policy.
func (r *Resolver) resolveDeletedRemotely(conflict *models.SyncConflict) (map[string]interface{}, error) {
	switch r.deletePolicy {
	case DeletePolicyRecreate:
		conflict.Resolution = "recreated_from_local"
		return conflict.LocalData, nil
	case DeletePolicyDiscard:
		conflict.Resolution = "remote_delete_kept"
		return nil, nil
	default:
		return nil, errors.New(errors.ErrSyncUnresolvable,
			"entity deleted remotely and no delete policy configured")
	}
}

// resolveDeletedLocally lets the remote edit win over the local delete.
func (r *Resolver) resolveDeletedLocally(conflict *models.SyncConflict) (map[string]interface{}, error) {
	conflict.Resolution = "remote_wins"
	return conflict.RemoteData, nil
}

// localNewer reports whether the local side carries the later modified
// timestamp. Ties go to local: the device the user is holding.
func localNewer(conflict *models.SyncConflict) bool {
	localModified, _ := models.FieldModifiedAt(conflict.LocalData)
	remoteModified, _ := models.FieldModifiedAt(conflict.RemoteData)
	return localModified >= remoteModified
}
