package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/notify"
	"github.com/kimhsiao/driftsync/internal/state"
	"github.com/kimhsiao/driftsync/internal/store"
	"github.com/kimhsiao/driftsync/internal/sync/conflict"
	"github.com/kimhsiao/driftsync/internal/sync/optimistic"
	"github.com/kimhsiao/driftsync/internal/sync/queue"
)

// fakeConn is a switchable connectivity stub.
type fakeConn struct {
	mu     sync.Mutex
	online bool
	slow   bool
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) IsSlowConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slow
}

func (c *fakeConn) set(online, slow bool) {
	c.mu.Lock()
	c.online = online
	c.slow = slow
	c.mu.Unlock()
}

// fakeRemote is an in-memory remote authority. Failures can be scripted
// per entity id.
type fakeRemote struct {
	mu        sync.Mutex
	entities  map[string]*models.EntitySnapshot
	failWith  map[string]error // entity id -> error returned by writes
	failTimes map[string]int   // remaining failures before success
	changes   []*models.EntitySnapshot
	writes    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities:  make(map[string]*models.EntitySnapshot),
		failWith:  make(map[string]error),
		failTimes: make(map[string]int),
	}
}

func (r *fakeRemote) key(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (r *fakeRemote) seed(s *models.EntitySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[r.key(s.EntityType, s.EntityID)] = s
}

func (r *fakeRemote) failNext(entityID string, times int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith[entityID] = err
	r.failTimes[entityID] = times
}

func (r *fakeRemote) checkFailure(entityID string) error {
	if err, ok := r.failWith[entityID]; ok {
		if r.failTimes[entityID] != 0 {
			if r.failTimes[entityID] > 0 {
				r.failTimes[entityID]--
			}
			return err
		}
		delete(r.failWith, entityID)
	}
	return nil
}

func (r *fakeRemote) Fetch(ctx context.Context, entityType, entityID string) (*models.EntitySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entities[r.key(entityType, entityID)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRemote) Create(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	return r.write(entityType, entityID, data)
}

func (r *fakeRemote) Update(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	return r.write(entityType, entityID, data)
}

func (r *fakeRemote) write(entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFailure(entityID); err != nil {
		return nil, err
	}

	r.writes++
	var version int64 = 1
	if prev, ok := r.entities[r.key(entityType, entityID)]; ok {
		version = prev.Version + 1
	}
	s := &models.EntitySnapshot{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		ModifiedAt: time.Now().UnixMilli(),
		Data:       data,
	}
	r.entities[r.key(entityType, entityID)] = s
	cp := *s
	return &cp, nil
}

func (r *fakeRemote) Delete(ctx context.Context, idempotencyKey, entityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkFailure(entityID); err != nil {
		return err
	}
	r.writes++
	delete(r.entities, r.key(entityType, entityID))
	return nil
}

func (r *fakeRemote) Changes(ctx context.Context, sinceMillis int64) ([]*models.EntitySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.EntitySnapshot
	for _, s := range r.changes {
		if s.ModifiedAt > sinceMillis {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRemote) Ping(ctx context.Context) error {
	return nil
}

func (r *fakeRemote) data(entityType, entityID string) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.entities[r.key(entityType, entityID)]; ok {
		return s.Data
	}
	return nil
}

type harness struct {
	orch   *Orchestrator
	queue  *queue.OperationQueue
	opt    *optimistic.Manager
	remote *fakeRemote
	conn   *fakeConn
	sink   *state.Memory
	store  *store.Memory
}

func newHarness(t *testing.T, policy conflict.DeletePolicy) *harness {
	t.Helper()

	st := store.NewMemory()
	sink := state.NewMemory()
	conn := &fakeConn{online: true}
	rem := newFakeRemote()
	notifier := notify.Func(func(notify.Event) {})

	q, err := queue.New(st, queue.Config{})
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}
	opt, err := optimistic.NewManager(st, sink, notifier)
	if err != nil {
		t.Fatalf("optimistic.NewManager failed: %v", err)
	}
	res := conflict.NewResolver(conflict.Config{DeletedRemotely: policy})

	orch := NewOrchestrator(q, opt, res, rem, conn, sink, notifier, st, Config{})
	return &harness{orch: orch, queue: q, opt: opt, remote: rem, conn: conn, sink: sink, store: st}
}

func TestSubmitAppliesOptimistically(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	err := h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a"},
	}, models.PriorityMedium, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := h.sink.Get("note", "n1"); got == nil || got["title"] != "a" {
		t.Errorf("Expected visible state immediately after Submit, got %v", got)
	}
	if h.orch.Pending() != 1 {
		t.Errorf("Expected 1 pending operation, got %d", h.orch.Pending())
	}
}

func TestOfflineEditSyncsWhenConnectivityReturns(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)
	h.remote.seed(&models.EntitySnapshot{
		EntityType: "note",
		EntityID:   "doc-1",
		Version:    1,
		ModifiedAt: time.Now().Add(-time.Hour).UnixMilli(),
		Data:       map[string]interface{}{"title": "A"},
	})
	h.conn.set(false, false)

	if err := h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "doc-1",
		Payload:    map[string]interface{}{"title": "B"},
	}, models.PriorityMedium, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Offline: the cycle is skipped, nothing leaves the queue.
	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if !result.Skipped {
		t.Error("Expected skipped cycle while offline")
	}
	if h.orch.Pending() != 1 {
		t.Errorf("Offline cycle must not drain the queue, pending = %d", h.orch.Pending())
	}

	// Connectivity returns; one cycle drains the queue.
	h.conn.set(true, false)
	result, err = h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if !result.Success() || result.Confirmed != 1 {
		t.Fatalf("Expected 1 confirmed operation, got %+v", result)
	}
	if h.orch.Pending() != 0 {
		t.Errorf("Expected empty queue after sync, pending = %d", h.orch.Pending())
	}
	if got := h.remote.data("note", "doc-1"); got == nil || got["title"] != "B" {
		t.Errorf("Remote did not receive the update, got %v", got)
	}
	if got := h.sink.Get("note", "doc-1"); got == nil || got["title"] != "B" {
		t.Errorf("Visible state lost after confirmation, got %v", got)
	}
}

func TestStaleDeleteYieldsToNewerRemoteEdit(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	stale := time.Now().Add(-time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()

	h.sink.Apply("note", "d1", map[string]interface{}{
		"title":       "old",
		"modified_at": stale,
	})
	h.remote.seed(&models.EntitySnapshot{
		EntityType: "note",
		EntityID:   "d1",
		Version:    3,
		ModifiedAt: fresh,
		Data:       map[string]interface{}{"title": "newer", "modified_at": fresh},
	})

	if err := h.orch.Submit(models.SyncOperation{
		ID:         "op-del",
		Kind:       models.OperationDelete,
		EntityType: "note",
		EntityID:   "d1",
	}, models.PriorityMedium, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}

	// The delete was taken against a copy older than the remote edit, so
	// the remote edit must survive it.
	if result.Conflicts != 1 {
		t.Fatalf("Expected the stale delete to raise a conflict, got %+v", result)
	}
	if result.Confirmed != 1 {
		t.Fatalf("Expected the operation to settle, got %+v", result)
	}
	if got := h.remote.data("note", "d1"); got == nil || got["title"] != "newer" {
		t.Errorf("Remote entity destroyed by a stale delete, got %v", got)
	}
	if got := h.sink.Get("note", "d1"); got == nil || got["title"] != "newer" {
		t.Errorf("Visible state should follow the surviving remote edit, got %v", got)
	}
}

func TestRetryableFailureKeepsOperationQueued(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	h.remote.failNext("n1", 1, errors.Wrap(errors.ErrRemoteUnavailable, "gateway down", nil).Retryable())

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Permanent {
		t.Fatalf("Expected one transient error, got %+v", result.Errors)
	}
	if h.orch.Pending() != 1 {
		t.Errorf("Transient failure must keep the operation queued, pending = %d", h.orch.Pending())
	}
	// The optimistic effect stays visible while the retry is pending.
	if got := h.sink.Get("note", "n1"); got == nil {
		t.Error("Optimistic state rolled back on a transient failure")
	}
}

func TestPermanentFailureRollsBack(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	h.remote.failNext("n1", -1, errors.FromHTTPStatus(422, "rejected"))

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if len(result.Errors) != 1 || !result.Errors[0].Permanent {
		t.Fatalf("Expected one permanent error, got %+v", result.Errors)
	}
	if h.orch.Pending() != 0 {
		t.Errorf("Permanent failure must drop the operation, pending = %d", h.orch.Pending())
	}
	if got := h.sink.Get("note", "n1"); got != nil {
		t.Errorf("Expected rollback to remove the entity, got %v", got)
	}
}

func TestRetryExhaustionRollsBack(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	h.remote.failNext("n1", -1, errors.Wrap(errors.ErrRemoteUnavailable, "down", nil).Retryable())

	op := models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a"},
		MaxRetries: 1, // exhausted on the first failure
	}
	h.orch.Submit(op, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if len(result.Errors) != 1 || !result.Errors[0].Permanent {
		t.Fatalf("Expected permanent error after retry exhaustion, got %+v", result.Errors)
	}
	if h.orch.Pending() != 0 {
		t.Error("Exhausted operation still queued")
	}
	if got := h.sink.Get("note", "n1"); got != nil {
		t.Errorf("Expected rollback after exhaustion, got %v", got)
	}
}

func TestCancelWithdrawsBeforeSync(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a"},
	}, models.PriorityMedium, nil)

	if err := h.orch.Cancel("op-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if h.orch.Pending() != 0 {
		t.Error("Cancelled operation still queued")
	}
	if got := h.sink.Get("note", "n1"); got != nil {
		t.Errorf("Cancelled effect still visible: %v", got)
	}

	h.orch.SyncCycle(context.Background())
	if h.remote.writes != 0 {
		t.Errorf("Cancelled operation reached the remote: %d writes", h.remote.writes)
	}
}

func TestConflictResolutionPushesMerged(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	base := time.Now().Add(-time.Hour).UnixMilli()
	h.remote.seed(&models.EntitySnapshot{
		EntityType: "note",
		EntityID:   "n1",
		Version:    5,
		ModifiedAt: base,
		Data:       map[string]interface{}{"title": "remote", "version": int64(5), "modified_at": base},
	})

	// Local baseline diverges in version; local edit is newer.
	h.sink.Apply("note", "n1", map[string]interface{}{
		"title":       "local",
		"version":     int64(3),
		"modified_at": base + (10 * time.Minute).Milliseconds(),
	})

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "local"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if result.Conflicts == 0 {
		t.Fatal("Expected a detected conflict")
	}
	if result.Confirmed != 1 {
		t.Fatalf("Expected resolved operation confirmed, got %+v", result)
	}
	if got := h.remote.data("note", "n1"); got["title"] != "local" {
		t.Errorf("Expected newer local data pushed after resolution, got %v", got)
	}

	// The conflict was recorded for user awareness.
	records, err := h.store.GetAll(models.SyncConflict{}.TableName())
	if err != nil {
		t.Fatalf("conflict log read failed: %v", err)
	}
	if len(records) == 0 {
		t.Error("Expected conflict log entries")
	}
}

func TestDeletedRemotelyWithoutPolicyRollsBack(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	// Entity exists locally but was never seeded remotely.
	h.sink.Apply("note", "n1", map[string]interface{}{"title": "a"})

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "b"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if len(result.Errors) != 1 || !result.Errors[0].Permanent {
		t.Fatalf("Expected permanent resolution failure, got %+v", result)
	}
	if got := h.sink.Get("note", "n1"); got == nil || got["title"] != "a" {
		t.Errorf("Expected pre-edit state restored, got %v", got)
	}
	if h.orch.Pending() != 0 {
		t.Error("Unresolvable operation still queued")
	}
}

func TestDeletedRemotelyDiscardFollowsRemote(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyDiscard)

	h.sink.Apply("note", "n1", map[string]interface{}{"title": "a"})

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "b"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if !result.Success() || result.Confirmed != 1 {
		t.Fatalf("Expected discard to settle cleanly, got %+v", result)
	}
	if got := h.sink.Get("note", "n1"); got != nil {
		t.Errorf("Discard policy must remove the entity locally, got %v", got)
	}
	if h.remote.writes != 0 {
		t.Errorf("Discard must not write remotely, got %d writes", h.remote.writes)
	}
}

func TestDeletedRemotelyRecreateRestores(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyRecreate)

	h.sink.Apply("note", "n1", map[string]interface{}{"title": "a"})

	h.orch.Submit(models.SyncOperation{
		ID:         "op-1",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "b"},
	}, models.PriorityMedium, nil)

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if !result.Success() || result.Confirmed != 1 {
		t.Fatalf("Expected recreate to settle cleanly, got %+v", result)
	}
	if got := h.remote.data("note", "n1"); got == nil || got["title"] != "b" {
		t.Errorf("Expected entity recreated remotely from local data, got %v", got)
	}
}

func TestEmptyQueuePullsRemoteChanges(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	now := time.Now().UnixMilli()
	h.remote.changes = []*models.EntitySnapshot{
		{EntityType: "note", EntityID: "n1", ModifiedAt: now - 1000, Data: map[string]interface{}{"title": "a"}},
		{EntityType: "note", EntityID: "n2", ModifiedAt: now, Deleted: true},
	}

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if result.Pulled != 2 {
		t.Fatalf("Expected 2 pulled changes, got %+v", result)
	}
	if got := h.sink.Get("note", "n1"); got == nil || got["title"] != "a" {
		t.Errorf("Pulled change not applied, got %v", got)
	}
	if got := h.sink.Get("note", "n2"); got != nil {
		t.Errorf("Pulled tombstone not applied, got %v", got)
	}

	// The watermark advanced; a second pull returns nothing new.
	result, err = h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("Second SyncCycle failed: %v", err)
	}
	if result.Pulled != 0 {
		t.Errorf("Expected no re-pull past the watermark, got %d", result.Pulled)
	}
}

func TestSlowConnectionShrinksBatch(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)
	h.conn.set(true, true)

	for i := 0; i < 6; i++ {
		h.orch.Submit(models.SyncOperation{
			ID:         "op-" + string(rune('a'+i)),
			Kind:       models.OperationCreate,
			EntityType: "note",
			EntityID:   "n-" + string(rune('a'+i)),
			Payload:    map[string]interface{}{"i": i},
		}, models.PriorityMedium, nil)
	}

	// runCycle handles one batch; SyncCycle loops only when coalesced.
	result := h.orch.runCycle(context.Background())
	if result.Processed != 3 {
		t.Errorf("Expected slow batch of 3, processed %d", result.Processed)
	}
	if result.Remaining != 3 {
		t.Errorf("Expected 3 remaining, got %d", result.Remaining)
	}
}

func TestConcurrentCycleCoalesces(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	// Hold the cycle open by marking it in flight directly.
	h.orch.mu.Lock()
	h.orch.syncing = true
	h.orch.mu.Unlock()

	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if !result.Coalesced {
		t.Error("Expected coalesced result while a cycle is in flight")
	}

	h.orch.mu.Lock()
	if !h.orch.rerun {
		t.Error("Coalesced call must schedule a rerun")
	}
	h.orch.syncing = false
	h.orch.rerun = false
	h.orch.mu.Unlock()
}

func TestSameEntityOperationsStayOrdered(t *testing.T) {
	h := newHarness(t, conflict.DeletePolicyUnset)

	h.orch.Submit(models.SyncOperation{
		ID:         "op-create",
		Kind:       models.OperationCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "a", "step": 1},
	}, models.PriorityMedium, nil)
	h.orch.Submit(models.SyncOperation{
		ID:         "op-update",
		Kind:       models.OperationUpdate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]interface{}{"title": "b", "step": 2},
	}, models.PriorityMedium, []string{"op-create"})

	// First cycle pushes the create; the update waits on its dependency.
	result, err := h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("SyncCycle failed: %v", err)
	}
	if result.Confirmed != 1 {
		t.Fatalf("Expected create confirmed first, got %+v", result)
	}

	result, err = h.orch.SyncCycle(context.Background())
	if err != nil {
		t.Fatalf("Second SyncCycle failed: %v", err)
	}
	if result.Confirmed != 1 {
		t.Fatalf("Expected update confirmed second, got %+v", result)
	}
	if got := h.remote.data("note", "n1"); got["title"] != "b" {
		t.Errorf("Final remote state must reflect the update, got %v", got)
	}
}
