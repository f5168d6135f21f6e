// Package sync ties the queue, optimistic state, conflict resolution and
// connectivity monitoring together into the sync orchestration loop.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/notify"
	"github.com/kimhsiao/driftsync/internal/remote"
	"github.com/kimhsiao/driftsync/internal/state"
	"github.com/kimhsiao/driftsync/internal/store"
	"github.com/kimhsiao/driftsync/internal/sync/conflict"
	"github.com/kimhsiao/driftsync/internal/sync/optimistic"
	"github.com/kimhsiao/driftsync/internal/sync/queue"
)

const (
	metaCollection   = "sync_meta"
	metaLastPulledAt = "last_pulled_at"
)

// Connectivity is the orchestrator's view of the network monitor.
type Connectivity interface {
	IsOnline() bool
	IsSlowConnection() bool
}

// Config holds orchestrator configuration.
type Config struct {
	BatchSize     int           // default 10
	SlowBatchSize int           // batch size on degraded links, default 3
	FanOut        int           // bounded concurrency per cycle, default 2
	OpTimeout     time.Duration // per remote call, default 30s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.SlowBatchSize <= 0 {
		c.SlowBatchSize = 3
	}
	if c.FanOut <= 0 {
		c.FanOut = 2
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
	return c
}

// OperationError records a per-operation failure. Errors never escape a
// cycle; they are collected here instead.
type OperationError struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Permanent   bool   `json:"permanent"`
	Message     string `json:"message"`
}

// Result aggregates one sync cycle.
type Result struct {
	Processed int              `json:"processed"`
	Confirmed int              `json:"confirmed"`
	Conflicts int              `json:"conflicts"`
	Pulled    int              `json:"pulled"`
	Errors    []OperationError `json:"errors,omitempty"`
	Skipped   bool             `json:"skipped"`   // offline at cycle start
	Coalesced bool             `json:"coalesced"` // another cycle was in flight
	Remaining int              `json:"remaining"` // operations still queued after the cycle
}

// Success reports whether the cycle completed without per-operation
// errors.
func (r *Result) Success() bool {
	return !r.Skipped && len(r.Errors) == 0
}

// Orchestrator drives sync cycles. It coordinates the other components
// but holds no primary state of its own; a process should construct
// exactly one and share it.
type Orchestrator struct {
	queue      *queue.OperationQueue
	optimistic *optimistic.Manager
	resolver   *conflict.Resolver
	remote     remote.Client
	network    Connectivity
	sink       state.Sink
	notifier   notify.Notifier
	store      store.Store
	config     Config
	logger     *logging.Logger

	mu      sync.Mutex
	syncing bool
	rerun   bool
}

// NewOrchestrator wires the orchestrator. All collaborators are injected;
// nothing here is global.
func NewOrchestrator(
	q *queue.OperationQueue,
	opt *optimistic.Manager,
	res *conflict.Resolver,
	rc remote.Client,
	conn Connectivity,
	sink state.Sink,
	notifier notify.Notifier,
	st store.Store,
	config Config,
) *Orchestrator {
	return &Orchestrator{
		queue:      q,
		optimistic: opt,
		resolver:   res,
		remote:     rc,
		network:    conn,
		sink:       sink,
		notifier:   notifier,
		store:      st,
		config:     config.withDefaults(),
		logger:     logging.Get().Component("orchestrator"),
	}
}

// Submit records a user intent: the operation is queued durably and its
// effect becomes visible immediately. This is the entry point the host
// application calls for every local mutation.
func (o *Orchestrator) Submit(op models.SyncOperation, priority models.Priority, dependsOn []string) error {
	if err := o.queue.Enqueue(op, priority, dependsOn); err != nil {
		return err
	}
	if _, err := o.optimistic.Apply(op); err != nil {
		// Keep queue and visible state consistent: an intent whose
		// effect could not be applied must not replay later.
		_ = o.queue.Remove(op.ID)
		return err
	}
	return nil
}

// Cancel withdraws an operation before it syncs: its optimistic effect
// is rolled back and it leaves the queue so no stale replay can happen.
func (o *Orchestrator) Cancel(operationID string) error {
	if err := o.optimistic.RollbackForOperation(operationID); err != nil {
		return err
	}
	return o.queue.Remove(operationID)
}

// IsSyncing reports whether a cycle is in flight.
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// Pending returns the number of queued operations.
func (o *Orchestrator) Pending() int {
	return o.queue.Size()
}

// SyncCycle runs one sync cycle (plus any cycles coalesced into it while
// it ran). At most one cycle runs at a time; a call arriving mid-cycle
// returns immediately with Coalesced set and the running cycle repeats
// once it finishes. Per-operation failures are reported in the Result,
// never as an error.
func (o *Orchestrator) SyncCycle(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.syncing {
		o.rerun = true
		o.mu.Unlock()
		return &Result{Coalesced: true}, nil
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	for {
		result := o.runCycle(ctx)

		o.mu.Lock()
		again := o.rerun
		o.rerun = false
		o.mu.Unlock()

		if !again || ctx.Err() != nil {
			return result, nil
		}
	}
}

// runCycle executes the cycle algorithm: offline gate, batch dequeue,
// pull fallback, per-operation push.
func (o *Orchestrator) runCycle(ctx context.Context) *Result {
	result := &Result{}

	if !o.network.IsOnline() {
		// Not an error: the cycle is deferred until connectivity
		// returns.
		result.Skipped = true
		result.Remaining = o.queue.Size()
		return result
	}

	batchSize := o.config.BatchSize
	if o.network.IsSlowConnection() {
		batchSize = o.config.SlowBatchSize
	}

	batch := o.queue.DequeueMany(batchSize)
	if len(batch) == 0 {
		o.pullRemoteChanges(ctx, result)
		result.Remaining = o.queue.Size()
		return result
	}

	o.notifier.Notify(notify.Event{
		Type:     "sync.started",
		Severity: notify.SeverityInfo,
		Message:  fmt.Sprintf("Syncing %d operations", len(batch)),
		At:       time.Now().UnixMilli(),
	})

	o.processBatch(ctx, batch, result)

	result.Remaining = o.queue.Size()

	if result.Confirmed > 0 {
		o.notifier.Notify(notify.Event{
			Type:     "sync.completed",
			Severity: notify.SeverityInfo,
			Message:  fmt.Sprintf("Synced %d operations", result.Confirmed),
			Context:  map[string]interface{}{"conflicts": result.Conflicts},
			At:       time.Now().UnixMilli(),
		})
	}

	return result
}

// processBatch pushes operations with bounded fan-out. Operations for
// the same entity always run in enqueue order on a single lane; only
// distinct entities proceed in parallel.
func (o *Orchestrator) processBatch(ctx context.Context, batch []models.SyncOperation, result *Result) {
	lanes := make(map[string][]models.SyncOperation)
	var laneOrder []string
	for _, op := range batch {
		key := op.EntityType + "/" + op.EntityID
		if _, ok := lanes[key]; !ok {
			laneOrder = append(laneOrder, key)
		}
		lanes[key] = append(lanes[key], op)
	}

	laneCh := make(chan []models.SyncOperation)
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	workers := o.config.FanOut
	if workers > len(laneOrder) {
		workers = len(laneOrder)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for lane := range laneCh {
				for _, op := range lane {
					if ctx.Err() != nil {
						return
					}
					outcome := o.processOne(ctx, op)
					resultMu.Lock()
					result.Processed++
					result.Conflicts += outcome.conflicts
					if outcome.confirmed {
						result.Confirmed++
					}
					if outcome.err != nil {
						result.Errors = append(result.Errors, *outcome.err)
					}
					resultMu.Unlock()
				}
			}
		}()
	}

	for _, key := range laneOrder {
		select {
		case laneCh <- lanes[key]:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(laneCh)
	wg.Wait()
}

// outcome is the per-operation summary processOne hands back.
type outcome struct {
	confirmed bool
	conflicts int
	err       *OperationError
}

// processOne pushes a single operation through fetch, conflict
// detection/resolution and the remote write, then settles queue and
// optimistic state accordingly.
func (o *Orchestrator) processOne(ctx context.Context, op models.SyncOperation) outcome {
	opCtx, cancel := context.WithTimeout(ctx, o.config.OpTimeout)
	defer cancel()

	var snapshot *models.EntitySnapshot
	if op.Kind != models.OperationCreate {
		var err error
		snapshot, err = o.remote.Fetch(opCtx, op.EntityType, op.EntityID)
		if err != nil {
			return o.handleFailure(op, err)
		}
	}

	localData := o.sink.Get(op.EntityType, op.EntityID)
	if op.Kind == models.OperationDelete {
		// The optimistic apply already removed the entity from the
		// sink, so the pre-delete state is the baseline a stale delete
		// must be judged against.
		if prior, ok := o.optimistic.PriorStateFor(op.ID); ok {
			localData = prior
		}
	}
	if localData == nil {
		localData = op.Payload
	}

	conflicts := o.resolver.Detect(op, localData, snapshot)
	if len(conflicts) > 0 {
		return o.handleConflicts(opCtx, op, localData, conflicts)
	}

	if err := o.push(opCtx, op, op.Payload); err != nil {
		return o.handleFailure(op, err)
	}

	return o.settleSuccess(op, 0)
}

// push performs the remote write corresponding to the operation kind.
func (o *Orchestrator) push(ctx context.Context, op models.SyncOperation, data map[string]interface{}) error {
	switch op.Kind {
	case models.OperationCreate:
		_, err := o.remote.Create(ctx, op.ID, op.EntityType, op.EntityID, data)
		return err
	case models.OperationUpdate:
		_, err := o.remote.Update(ctx, op.ID, op.EntityType, op.EntityID, data)
		return err
	case models.OperationDelete:
		return o.remote.Delete(ctx, op.ID, op.EntityType, op.EntityID)
	default:
		return errors.New(errors.ErrInvalid, "unknown operation kind "+string(op.Kind))
	}
}

// handleConflicts resolves each detected conflict in order, feeding the
// merged data of one resolution into the next, then applies the final
// decision. Resolution failure is permanent for the operation.
func (o *Orchestrator) handleConflicts(ctx context.Context, op models.SyncOperation, localData map[string]interface{}, conflicts []models.SyncConflict) outcome {
	merged := localData
	remoteStands := false

	for i := range conflicts {
		c := &conflicts[i]
		c.LocalData = merged

		resolved, err := o.resolver.Resolve(c)
		if err != nil {
			o.recordConflicts(conflicts)
			return o.settlePermanent(op, len(conflicts),
				errors.Wrap(errors.ErrSyncUnresolvable, "conflict resolution failed", err))
		}
		if resolved == nil {
			remoteStands = true
			continue
		}
		merged = resolved
	}

	o.recordConflicts(conflicts)

	if remoteStands {
		// The remote decision (typically a delete) wins: visible state
		// follows it and the local change is discarded without replay.
		if err := o.sink.Apply(op.EntityType, op.EntityID, nil); err != nil {
			return o.settlePermanent(op, len(conflicts),
				errors.Wrap(errors.ErrInternal, "visible state apply failed", err))
		}
		if err := o.optimistic.ConfirmForOperation(op.ID); err != nil {
			o.logger.Error("Confirm after remote-wins failed", err,
				map[string]interface{}{"operation_id": op.ID})
		}
		if err := o.queue.Remove(op.ID); err != nil {
			return outcome{conflicts: len(conflicts), err: o.operationError(op, true, err)}
		}
		o.notifyConflictsResolved(op, len(conflicts))
		return outcome{confirmed: true, conflicts: len(conflicts)}
	}

	// Write the merged result as the operation's payload.
	writeOp := op
	if writeOp.Kind == models.OperationDelete {
		// A delete that lost its conflict re-materializes as an update
		// carrying the surviving data.
		writeOp.Kind = models.OperationUpdate
	}
	if err := o.push(ctx, writeOp, merged); err != nil {
		return o.handleFailure(op, err)
	}

	// Visible state follows the merged result, not the optimistic guess.
	if err := o.sink.Apply(op.EntityType, op.EntityID, merged); err != nil {
		o.logger.Error("Visible state update after merge failed", err,
			map[string]interface{}{"operation_id": op.ID})
	}

	o.notifyConflictsResolved(op, len(conflicts))
	return o.settleSuccess(op, len(conflicts))
}

// handleFailure classifies a push error. Retryable failures raise the
// backoff floor and keep the operation queued; permanent ones drop and
// roll back immediately.
func (o *Orchestrator) handleFailure(op models.SyncOperation, err error) outcome {
	if errors.IsRetryable(err) {
		stillQueued, retryErr := o.queue.IncrementRetry(op.ID, err)
		if retryErr != nil {
			o.logger.Error("Retry bookkeeping failed", retryErr,
				map[string]interface{}{"operation_id": op.ID})
		}
		if stillQueued {
			o.notifier.Notify(notify.Event{
				Type:     "sync.retrying",
				Severity: notify.SeverityInfo,
				Message:  "Sync hit a transient error, retrying",
				At:       time.Now().UnixMilli(),
			})
			return outcome{err: o.operationError(op, false, err)}
		}
		// Retry budget exhausted: permanent from here on.
	}

	return o.settlePermanent(op, 0, err)
}

// settlePermanent drops the operation and rolls back its optimistic
// effect so visible state never permanently diverges from the remote.
func (o *Orchestrator) settlePermanent(op models.SyncOperation, conflicts int, err error) outcome {
	if rbErr := o.optimistic.RollbackForOperation(op.ID); rbErr != nil {
		o.logger.Error("Rollback failed", rbErr,
			map[string]interface{}{"operation_id": op.ID})
	}
	if rmErr := o.queue.Remove(op.ID); rmErr != nil {
		o.logger.Error("Queue removal failed", rmErr,
			map[string]interface{}{"operation_id": op.ID})
	}

	o.logger.Warn("Operation failed permanently",
		map[string]interface{}{
			"operation_id": op.ID,
			"entity":       op.EntityType + "/" + op.EntityID,
			"error":        err.Error(),
		})

	return outcome{conflicts: conflicts, err: o.operationError(op, true, err)}
}

// settleSuccess removes the operation and confirms its optimistic
// updates.
func (o *Orchestrator) settleSuccess(op models.SyncOperation, conflicts int) outcome {
	if err := o.queue.Remove(op.ID); err != nil {
		// The remote write landed but local bookkeeping failed; the
		// operation replays next cycle and the idempotency key makes
		// the replay harmless.
		return outcome{conflicts: conflicts, err: o.operationError(op, false, err)}
	}
	if err := o.optimistic.ConfirmForOperation(op.ID); err != nil {
		o.logger.Error("Confirm failed", err,
			map[string]interface{}{"operation_id": op.ID})
	}
	return outcome{confirmed: true, conflicts: conflicts}
}

// pullRemoteChanges runs when nothing local is pending: remote changes
// since the last watermark apply directly to visible state. No conflict
// check is needed because no local intent exists for these entities.
func (o *Orchestrator) pullRemoteChanges(ctx context.Context, result *Result) {
	pullCtx, cancel := context.WithTimeout(ctx, o.config.OpTimeout)
	defer cancel()

	since := o.loadWatermark()
	snapshots, err := o.remote.Changes(pullCtx, since)
	if err != nil {
		o.logger.Debug("Remote pull failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	watermark := since
	for _, snapshot := range snapshots {
		var data map[string]interface{}
		if !snapshot.Deleted {
			data = snapshot.Data
		}
		if err := o.sink.Apply(snapshot.EntityType, snapshot.EntityID, data); err != nil {
			o.logger.Error("Pulled change apply failed", err,
				map[string]interface{}{"entity": snapshot.EntityType + "/" + snapshot.EntityID})
			continue
		}
		result.Pulled++
		if snapshot.ModifiedAt > watermark {
			watermark = snapshot.ModifiedAt
		}
	}

	if watermark != since {
		o.saveWatermark(watermark)
	}
}

// recordConflicts persists detected conflicts for user awareness.
func (o *Orchestrator) recordConflicts(conflicts []models.SyncConflict) {
	for i := range conflicts {
		c := &conflicts[i]
		value, err := json.Marshal(c)
		if err != nil {
			continue
		}
		if err := o.store.Put(models.SyncConflict{}.TableName(), &store.Record{
			Key:        c.ID,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Value:      value,
		}); err != nil {
			o.logger.Error("Conflict log write failed", err,
				map[string]interface{}{"conflict_id": c.ID})
		}
	}
}

func (o *Orchestrator) notifyConflictsResolved(op models.SyncOperation, count int) {
	o.notifier.Notify(notify.Event{
		Type:     "sync.conflict_resolved",
		Severity: notify.SeverityInfo,
		Message:  fmt.Sprintf("Resolved %d conflicts for %s %s", count, op.EntityType, op.EntityID),
		Context: map[string]interface{}{
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
		},
		At: time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) operationError(op models.SyncOperation, permanent bool, err error) *OperationError {
	return &OperationError{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Permanent:   permanent,
		Message:     err.Error(),
	}
}

// loadWatermark reads the last successful pull timestamp.
func (o *Orchestrator) loadWatermark() int64 {
	rec, err := o.store.Get(metaCollection, metaLastPulledAt)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(string(rec.Value), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// saveWatermark records the newest pulled modification timestamp.
func (o *Orchestrator) saveWatermark(watermark int64) {
	if err := o.store.Put(metaCollection, &store.Record{
		Key:   metaLastPulledAt,
		Value: []byte(strconv.FormatInt(watermark, 10)),
	}); err != nil {
		o.logger.Error("Watermark write failed", err, nil)
	}
}
