// Package queue provides the durable operation queue for offline
// mutations. Operations survive process restarts: they are persisted on
// admission and removed only after the orchestrator confirms durable
// remote success, which is what gives the engine at-least-once delivery.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/store"
)

// Config holds queue retry/backoff configuration.
type Config struct {
	MaxRetries        int           // default 3
	BaseRetryDelay    time.Duration // default 1s
	BackoffMultiplier float64       // default 2
	MaxRetryDelay     time.Duration // default 30s
	RateLimitDelay    time.Duration // fixed delay after 429s, default 60s
	Now               func() time.Time
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseRetryDelay:    time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     30 * time.Second,
		RateLimitDelay:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// OperationQueue is the durable, priority- and dependency-ordered store
// of pending mutations. It exclusively owns operation durability.
type OperationQueue struct {
	store  store.Store
	config Config
	logger *logging.Logger

	mu    sync.RWMutex
	items map[string]*models.QueuedOperation
}

// New creates an OperationQueue backed by the given store, reloading any
// operations that survived a previous process.
func New(st store.Store, config Config) (*OperationQueue, error) {
	q := &OperationQueue{
		store:  st,
		config: config.withDefaults(),
		logger: logging.Get().Component("queue"),
		items:  make(map[string]*models.QueuedOperation),
	}

	records, err := st.GetAll(models.QueuedOperation{}.TableName())
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "queue recovery failed", err)
	}
	for _, rec := range records {
		var item models.QueuedOperation
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			// One corrupt record must not take the whole queue down.
			q.logger.Warn("Dropping corrupt queue record",
				map[string]interface{}{"key": rec.Key, "error": err.Error()})
			continue
		}
		q.items[item.Operation.ID] = &item
	}

	if len(q.items) > 0 {
		q.logger.Info("Recovered pending operations",
			map[string]interface{}{"count": len(q.items)})
	}

	return q, nil
}

// Enqueue admits an operation. Re-enqueueing the same id replaces the
// previous entry. The operation is persisted before Enqueue returns.
func (q *OperationQueue) Enqueue(op models.SyncOperation, priority models.Priority, dependsOn []string) error {
	if op.ID == "" {
		return errors.New(errors.ErrInvalid, "operation id required")
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.config.MaxRetries
	}

	now := q.config.Now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}

	item := &models.QueuedOperation{
		Operation:     op,
		Priority:      priority,
		DependsOn:     append([]string(nil), dependsOn...),
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.items[op.ID]; ok {
		// Replacement keeps the original queue position.
		item.EnqueuedAt = prev.EnqueuedAt
	}

	if err := q.persist(item); err != nil {
		return err
	}
	q.items[op.ID] = item

	q.logger.Debug("Enqueued operation",
		map[string]interface{}{
			"operation_id": op.ID,
			"kind":         string(op.Kind),
			"entity":       op.EntityType + "/" + op.EntityID,
			"priority":     string(priority),
		})

	return nil
}

// DequeueMany selects up to maxBatch operations ordered by priority desc
// then enqueue time asc, skipping operations whose dependencies are still
// queued or whose backoff floor has not passed. Selected operations stay
// in the queue; only Remove takes them out.
func (q *OperationQueue) DequeueMany(maxBatch int) []models.SyncOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.config.Now().UnixMilli()

	eligible := make([]*models.QueuedOperation, 0, len(q.items))
	for _, item := range q.items {
		if item.NextAttemptAt > now {
			continue
		}
		if !q.dependenciesMetLocked(item) {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority.Rank() != eligible[j].Priority.Rank() {
			return eligible[i].Priority.Rank() > eligible[j].Priority.Rank()
		}
		if eligible[i].EnqueuedAt != eligible[j].EnqueuedAt {
			return eligible[i].EnqueuedAt < eligible[j].EnqueuedAt
		}
		return eligible[i].Operation.ID < eligible[j].Operation.ID
	})

	if maxBatch > 0 && len(eligible) > maxBatch {
		eligible = eligible[:maxBatch]
	}

	batch := make([]models.SyncOperation, len(eligible))
	for i, item := range eligible {
		batch[i] = item.Operation
	}
	return batch
}

// dependenciesMetLocked reports whether none of the item's dependencies
// are still present in the queue.
func (q *OperationQueue) dependenciesMetLocked(item *models.QueuedOperation) bool {
	for _, dep := range item.DependsOn {
		if dep == item.Operation.ID {
			continue
		}
		if _, pending := q.items[dep]; pending {
			return false
		}
	}
	return true
}

// Remove deletes an operation after the orchestrator confirms durable
// success (or abandons it). Removing a missing id is not an error.
func (q *OperationQueue) Remove(operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(operationID)
}

func (q *OperationQueue) removeLocked(operationID string) error {
	if _, ok := q.items[operationID]; !ok {
		return nil
	}
	if err := q.store.Delete(models.QueuedOperation{}.TableName(), operationID); err != nil {
		return err
	}
	delete(q.items, operationID)
	return nil
}

// IncrementRetry records a transient failure. It raises the operation's
// backoff floor and returns true while the operation is still under its
// retry budget. When the budget is exhausted the operation is removed and
// false is returned; the caller must roll back its optimistic effect.
func (q *OperationQueue) IncrementRetry(operationID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[operationID]
	if !ok {
		return false, errors.New(errors.ErrNotFound, "operation not queued")
	}

	item.Operation.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.Operation.RetryCount >= item.Operation.MaxRetries {
		if err := q.removeLocked(operationID); err != nil {
			return false, err
		}
		q.logger.Warn("Operation exhausted retries",
			map[string]interface{}{
				"operation_id": operationID,
				"retries":      item.Operation.RetryCount,
			})
		return false, nil
	}

	delay := q.retryDelay(item.Operation.RetryCount, errors.IsRateLimited(cause))
	item.NextAttemptAt = q.config.Now().Add(delay).UnixMilli()

	if err := q.persist(item); err != nil {
		return true, err
	}

	q.logger.Debug("Operation deferred",
		map[string]interface{}{
			"operation_id": operationID,
			"retry":        item.Operation.RetryCount,
			"delay_ms":     delay.Milliseconds(),
		})

	return true, nil
}

// retryDelay computes the backoff floor after the given failure count.
// Rate-limited failures use a fixed longer delay instead of the
// exponential schedule.
func (q *OperationQueue) retryDelay(retryCount int, rateLimited bool) time.Duration {
	if rateLimited {
		return q.config.RateLimitDelay
	}

	delay := q.config.BaseRetryDelay
	for i := 1; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * q.config.BackoffMultiplier)
		if delay >= q.config.MaxRetryDelay {
			return q.config.MaxRetryDelay
		}
	}
	if delay > q.config.MaxRetryDelay {
		delay = q.config.MaxRetryDelay
	}
	return delay
}

// Compact collapses redundant operations per entity group:
//
//  1. a terminal delete discards every earlier operation for that entity;
//  2. a create followed by updates collapses to one create carrying the
//     latest payload;
//  3. multiple updates collapse to the most recent.
//
// A delete with later operations after it starts a new lifecycle for the
// entity: the prefix collapses into the delete, the suffix collapses on
// its own and replays after the delete via a dependency edge, so the
// re-create is never lost. Survivors keep the earliest queue position of
// their segment so replay order across entities is preserved. Returns
// the number of operations removed.
func (q *OperationQueue) Compact() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	groups := make(map[string][]*models.QueuedOperation)
	for _, item := range q.items {
		key := item.Operation.EntityType + "/" + item.Operation.EntityID
		groups[key] = append(groups[key], item)
	}

	removed := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			if group[i].EnqueuedAt != group[j].EnqueuedAt {
				return group[i].EnqueuedAt < group[j].EnqueuedAt
			}
			return group[i].Operation.CreatedAt < group[j].Operation.CreatedAt
		})

		survivors := collapseGroup(group)

		keep := make(map[string]bool, len(survivors))
		for _, s := range survivors {
			keep[s.Operation.ID] = true
		}
		for _, item := range group {
			if keep[item.Operation.ID] {
				continue
			}
			if err := q.removeLocked(item.Operation.ID); err != nil {
				return removed, err
			}
			removed++
		}
		for _, s := range survivors {
			if err := q.persist(s); err != nil {
				return removed, err
			}
			q.items[s.Operation.ID] = s
		}
	}

	if removed > 0 {
		q.logger.Info("Compacted queue",
			map[string]interface{}{"removed": removed, "remaining": len(q.items)})
	}

	return removed, nil
}

// collapseGroup reduces an entity group (sorted by queue position) to
// its surviving operations, in replay order.
func collapseGroup(group []*models.QueuedOperation) []*models.QueuedOperation {
	lastDelete := -1
	for i, item := range group {
		if item.Operation.Kind == models.OperationDelete {
			lastDelete = i
		}
	}

	// Rule 1: a terminal delete supersedes everything enqueued before it.
	if lastDelete == len(group)-1 {
		survivor := group[lastDelete]
		survivor.EnqueuedAt = group[0].EnqueuedAt
		survivor.DependsOn = mergeDependencies(group)
		return []*models.QueuedOperation{survivor}
	}

	// A delete followed by more operations means the entity was
	// re-created. The delete still absorbs its prefix, and the suffix
	// collapses separately; the dependency edge keeps the re-create from
	// racing ahead of the delete.
	if lastDelete >= 0 {
		prefix := group[:lastDelete+1]
		suffix := group[lastDelete+1:]

		del := group[lastDelete]
		del.EnqueuedAt = prefix[0].EnqueuedAt
		del.DependsOn = mergeDependencies(prefix)

		reborn := collapseMutations(suffix)
		reborn.EnqueuedAt = suffix[0].EnqueuedAt
		reborn.DependsOn = appendDependency(mergeDependencies(suffix), del.Operation.ID)

		return []*models.QueuedOperation{del, reborn}
	}

	survivor := collapseMutations(group)
	survivor.EnqueuedAt = group[0].EnqueuedAt
	survivor.DependsOn = mergeDependencies(group)
	return []*models.QueuedOperation{survivor}
}

// collapseMutations reduces a delete-free segment to one operation.
func collapseMutations(group []*models.QueuedOperation) *models.QueuedOperation {
	last := group[len(group)-1]

	// Rule 2: the segment starts with a create; the create survives but
	// carries the most recent payload.
	if group[0].Operation.Kind == models.OperationCreate {
		survivor := group[0]
		survivor.Operation.Payload = last.Operation.Payload
		return survivor
	}

	// Rule 3: updates only; the most recent one survives.
	return last
}

// appendDependency adds an edge unless it is already present.
func appendDependency(deps []string, id string) []string {
	for _, dep := range deps {
		if dep == id {
			return deps
		}
	}
	return append(deps, id)
}

// mergeDependencies unions the group's dependency edges, dropping edges
// that point inside the group itself.
func mergeDependencies(group []*models.QueuedOperation) []string {
	inGroup := make(map[string]bool, len(group))
	for _, item := range group {
		inGroup[item.Operation.ID] = true
	}

	seen := make(map[string]bool)
	var deps []string
	for _, item := range group {
		for _, dep := range item.DependsOn {
			if inGroup[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	sort.Strings(deps)
	return deps
}

// Contains reports whether an operation is still queued.
func (q *OperationQueue) Contains(operationID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.items[operationID]
	return ok
}

// Get returns a copy of a queued operation.
func (q *OperationQueue) Get(operationID string) (*models.QueuedOperation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[operationID]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "operation not queued")
	}
	cp := *item
	cp.DependsOn = append([]string(nil), item.DependsOn...)
	return &cp, nil
}

// Size returns the number of queued operations.
func (q *OperationQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// persist writes an item to the store. Caller holds the lock.
func (q *OperationQueue) persist(item *models.QueuedOperation) error {
	value, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "queue item not serializable", err)
	}
	return q.store.Put(models.QueuedOperation{}.TableName(), &store.Record{
		Key:        item.Operation.ID,
		EntityType: item.Operation.EntityType,
		EntityID:   item.Operation.EntityID,
		Value:      value,
	})
}
