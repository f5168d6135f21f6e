// Package optimistic makes local mutations visible before the remote
// authority confirms them, with guaranteed reversibility. Every applied
// change stores the prior visible state so a failed or conflicted
// operation can be rolled back exactly.
package optimistic

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/notify"
	"github.com/kimhsiao/driftsync/internal/state"
	"github.com/kimhsiao/driftsync/internal/store"
	"github.com/kimhsiao/driftsync/internal/uuid"
)

// Manager owns OptimisticUpdate records. Updates are persisted so a
// restart can recover (and eventually sweep) in-flight state.
type Manager struct {
	store    store.Store
	sink     state.Sink
	notifier notify.Notifier
	now      func() time.Time
	logger   *logging.Logger

	mu      sync.Mutex
	updates map[string]*models.OptimisticUpdate
	byOp    map[string][]string // operation id -> update ids
}

// NewManager creates a Manager, recovering any updates persisted by a
// previous process.
func NewManager(st store.Store, sink state.Sink, notifier notify.Notifier) (*Manager, error) {
	m := &Manager{
		store:    st,
		sink:     sink,
		notifier: notifier,
		now:      time.Now,
		logger:   logging.Get().Component("optimistic"),
		updates:  make(map[string]*models.OptimisticUpdate),
		byOp:     make(map[string][]string),
	}

	records, err := st.GetAll(models.OptimisticUpdate{}.TableName())
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "optimistic update recovery failed", err)
	}
	for _, rec := range records {
		var update models.OptimisticUpdate
		if err := json.Unmarshal(rec.Value, &update); err != nil {
			m.logger.Warn("Dropping corrupt optimistic update record",
				map[string]interface{}{"key": rec.Key, "error": err.Error()})
			continue
		}
		if !update.Applied {
			continue
		}
		m.updates[update.ID] = &update
		m.byOp[update.OperationID] = append(m.byOp[update.OperationID], update.ID)
	}

	return m, nil
}

// SetNow overrides the clock, for tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Apply captures the entity's current visible state, applies the
// operation's effect synchronously, persists the update record and
// returns its id.
func (m *Manager) Apply(op models.SyncOperation) (string, error) {
	prior := m.sink.Get(op.EntityType, op.EntityID)

	var proposed map[string]interface{}
	switch op.Kind {
	case models.OperationDelete:
		proposed = nil
	case models.OperationUpdate:
		// Updates may carry partial patches; layer them over the
		// current visible state.
		proposed = make(map[string]interface{}, len(prior)+len(op.Payload))
		for k, v := range prior {
			proposed[k] = v
		}
		for k, v := range op.Payload {
			proposed[k] = v
		}
	default:
		proposed = op.Payload
	}

	update := &models.OptimisticUpdate{
		ID:            uuid.New(),
		OperationID:   op.ID,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		PriorState:    prior,
		ProposedState: proposed,
		Applied:       true,
		AppliedAt:     m.now().UnixMilli(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persist(update); err != nil {
		return "", err
	}
	if err := m.sink.Apply(op.EntityType, op.EntityID, proposed); err != nil {
		// The visible write failed; do not leave an orphaned record.
		_ = m.store.Delete(models.OptimisticUpdate{}.TableName(), update.ID)
		return "", errors.Wrap(errors.ErrInternal, "visible state apply failed", err)
	}

	m.updates[update.ID] = update
	m.byOp[op.ID] = append(m.byOp[op.ID], update.ID)

	return update.ID, nil
}

// Confirm discards a stored update on the terminal success path. Visible
// state already reflects the accepted value.
func (m *Manager) Confirm(updateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	update, ok := m.updates[updateID]
	if !ok {
		return nil
	}
	return m.discardLocked(update)
}

// ConfirmForOperation confirms every update tied to an operation.
func (m *Manager) ConfirmForOperation(operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range append([]string(nil), m.byOp[operationID]...) {
		if update, ok := m.updates[id]; ok {
			if err := m.discardLocked(update); err != nil {
				return err
			}
		}
	}
	return nil
}

// PriorStateFor returns a copy of the pre-operation visible state
// captured when the operation's update was applied. The sink no longer
// holds that state once the operation took effect, so conflict
// detection uses this as the local baseline for deletes.
func (m *Manager) PriorStateFor(operationID string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byOp[operationID]
	if len(ids) == 0 {
		return nil, false
	}
	update, ok := m.updates[ids[0]]
	if !ok || !update.Applied {
		return nil, false
	}
	if update.PriorState == nil {
		// The entity did not exist before the operation.
		return nil, true
	}

	prior := make(map[string]interface{}, len(update.PriorState))
	for k, v := range update.PriorState {
		prior[k] = v
	}
	return prior, true
}

// Rollback restores the prior visible state and emits a user-facing
// notice. Rolling back an already rolled-back or confirmed update is a
// no-op, so the call is idempotent.
func (m *Manager) Rollback(updateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackLocked(updateID)
}

func (m *Manager) rollbackLocked(updateID string) error {
	update, ok := m.updates[updateID]
	if !ok || !update.Applied {
		return nil
	}

	if err := m.sink.Apply(update.EntityType, update.EntityID, update.PriorState); err != nil {
		return errors.Wrap(errors.ErrInternal, "visible state restore failed", err)
	}

	update.Applied = false
	if err := m.discardLocked(update); err != nil {
		return err
	}

	m.notifier.Notify(notify.Event{
		Type:     "sync.rolled_back",
		Severity: notify.SeverityWarning,
		Message:  fmt.Sprintf("Change to %s %s was rolled back", update.EntityType, update.EntityID),
		Context: map[string]interface{}{
			"entity_type": update.EntityType,
			"entity_id":   update.EntityID,
		},
		At: m.now().UnixMilli(),
	})

	m.logger.Info("Rolled back optimistic update",
		map[string]interface{}{
			"update_id":    updateID,
			"operation_id": update.OperationID,
			"entity":       update.EntityType + "/" + update.EntityID,
		})

	return nil
}

// RollbackForOperation rolls back every update tied to an operation. An
// operation may touch multiple visible-state slices.
func (m *Manager) RollbackForOperation(operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range append([]string(nil), m.byOp[operationID]...) {
		if err := m.rollbackLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// PendingUpdates returns all updates still applied, ordered by age,
// oldest first.
func (m *Manager) PendingUpdates() []models.OptimisticUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.OptimisticUpdate, 0, len(m.updates))
	for _, update := range m.updates {
		if update.Applied {
			out = append(out, *update)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt < out[j].AppliedAt })
	return out
}

// SweepStale force-rolls-back updates open longer than bound, so visible
// state cannot diverge indefinitely when confirmations never arrive.
// Returns the number of updates rolled back.
func (m *Manager) SweepStale(bound time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	swept := 0
	for id, update := range m.updates {
		if !update.Applied || update.Age(now) < bound {
			continue
		}
		if err := m.rollbackLocked(id); err != nil {
			m.logger.Error("Stale update rollback failed", err,
				map[string]interface{}{"update_id": id})
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Warn("Swept stale optimistic updates",
			map[string]interface{}{"count": swept, "bound": bound.String()})
	}
	return swept
}

// discardLocked removes an update from the store and both indexes.
func (m *Manager) discardLocked(update *models.OptimisticUpdate) error {
	if err := m.store.Delete(models.OptimisticUpdate{}.TableName(), update.ID); err != nil {
		return err
	}
	delete(m.updates, update.ID)

	ids := m.byOp[update.OperationID]
	for i, id := range ids {
		if id == update.ID {
			m.byOp[update.OperationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byOp[update.OperationID]) == 0 {
		delete(m.byOp, update.OperationID)
	}
	return nil
}

// persist writes an update record. Caller holds the lock.
func (m *Manager) persist(update *models.OptimisticUpdate) error {
	value, err := json.Marshal(update)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "optimistic update not serializable", err)
	}
	return m.store.Put(models.OptimisticUpdate{}.TableName(), &store.Record{
		Key:        update.ID,
		EntityType: update.EntityType,
		EntityID:   update.EntityID,
		Value:      value,
	})
}
