package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

type memEntry struct {
	id       int64
	op       dynatable.MigrationOperation
	status   dynatable.MigrationStatus
	attempts int
	nextAt   time.Time
}

// memQueue mirrors the DBQueue claim semantics in memory: only the head of
// each table's line is claimable, and non-terminal heads block their table.
type memQueue struct {
	mu      sync.Mutex
	entries []*memEntry
	nextID  int64
}

func newMemQueue() *memQueue { return &memQueue{} }

func (q *memQueue) Enqueue(_ context.Context, op *dynatable.MigrationOperation) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.entries = append(q.entries, &memEntry{
		id:     q.nextID,
		op:     *op,
		status: dynatable.MigrationPending,
	})
	return q.nextID, nil
}

func (q *memQueue) Claim(_ context.Context, excludeTables []string) (*queuedOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	excluded := make(map[string]bool, len(excludeTables))
	for _, t := range excludeTables {
		excluded[t] = true
	}
	now := time.Now()
	heads := make(map[string]*memEntry)
	for _, e := range q.entries {
		if e.status == dynatable.MigrationApplied || e.status == dynatable.MigrationCancelled {
			continue
		}
		if _, ok := heads[e.op.TableName]; !ok {
			heads[e.op.TableName] = e
		}
	}
	for _, e := range q.entries {
		if heads[e.op.TableName] != e || excluded[e.op.TableName] {
			continue
		}
		eligible := e.status == dynatable.MigrationPending || e.status == dynatable.MigrationFailed
		if !eligible || e.nextAt.After(now) {
			continue
		}
		e.status = dynatable.MigrationRunning
		return &queuedOp{QueueID: e.id, Attempts: e.attempts, Op: e.op}, nil
	}
	return nil, nil
}

func (q *memQueue) find(queueID int64) *memEntry {
	for _, e := range q.entries {
		if e.id == queueID {
			return e
		}
	}
	return nil
}

func (q *memQueue) MarkApplied(_ context.Context, queueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.find(queueID).status = dynatable.MigrationApplied
	return nil
}

func (q *memQueue) MarkRetry(_ context.Context, queueID int64, attempts int, nextAttempt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.find(queueID)
	e.status = dynatable.MigrationFailed
	e.attempts = attempts
	e.nextAt = nextAttempt
	return nil
}

func (q *memQueue) MarkDead(_ context.Context, queueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.find(queueID).status = dynatable.MigrationDead
	return nil
}

func (q *memQueue) countStatus(status dynatable.MigrationStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.status == status {
			n++
		}
	}
	return n
}

// trackingApplier records per-table apply order and concurrent apply count.
type trackingApplier struct {
	mu      sync.Mutex
	active  map[string]int
	peak    map[string]int
	applied map[string][]string
	delay   time.Duration
	fail    func(op *dynatable.MigrationOperation) error
}

func newTrackingApplier(delay time.Duration) *trackingApplier {
	return &trackingApplier{
		active:  make(map[string]int),
		peak:    make(map[string]int),
		applied: make(map[string][]string),
		delay:   delay,
	}
}

func (a *trackingApplier) ApplyOperation(_ context.Context, op *dynatable.MigrationOperation) (string, error) {
	a.mu.Lock()
	a.active[op.TableName]++
	if a.active[op.TableName] > a.peak[op.TableName] {
		a.peak[op.TableName] = a.active[op.TableName]
	}
	a.mu.Unlock()

	time.Sleep(a.delay)

	a.mu.Lock()
	a.active[op.TableName]--
	if a.fail == nil {
		a.applied[op.TableName] = append(a.applied[op.TableName], op.TargetColumn())
		a.mu.Unlock()
		return "", nil
	}
	a.mu.Unlock()
	if err := a.fail(op); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.applied[op.TableName] = append(a.applied[op.TableName], op.TargetColumn())
	a.mu.Unlock()
	return "", nil
}

type memAudit struct {
	mu      sync.Mutex
	records []dynatable.MigrationRecord
	synced  []uuid.UUID
}

func (a *memAudit) WriteMigrationRecord(_ context.Context, rec *dynatable.MigrationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, *rec)
	return nil
}

func (a *memAudit) SyncFieldMetadata(_ context.Context, op *dynatable.MigrationOperation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synced = append(a.synced, op.FieldID)
	return nil
}

type memAlerts struct {
	mu       sync.Mutex
	dead     []string
	enqueues []error
}

func (a *memAlerts) MigrationDead(_ context.Context, op *dynatable.MigrationOperation, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dead = append(a.dead, lastError)
}

func (a *memAlerts) EnqueueFailed(_ context.Context, _ *dynatable.MigrationOperation, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueues = append(a.enqueues, err)
}

func testQueueConfig() dynatable.QueueConfig {
	return dynatable.QueueConfig{
		Workers:        4,
		PollInterval:   time.Millisecond,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
	}
}

func addOp(t *testing.T, q *memQueue, table, column string) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), &dynatable.MigrationOperation{
		ID:         uuid.New(),
		Kind:       dynatable.OpAddColumn,
		FormID:     uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		FieldID:    uuid.New(),
		TableName:  table,
		ColumnName: column,
		DataType:   dynatable.DataTypeShortText,
	})
	require.NoError(t, err)
}

func drainUntil(t *testing.T, q *memQueue, pool *WorkerPool, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for q.countStatus(dynatable.MigrationApplied)+q.countStatus(dynatable.MigrationDead) < want {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("queue did not drain: %d applied, %d dead",
				q.countStatus(dynatable.MigrationApplied), q.countStatus(dynatable.MigrationDead))
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerPoolSameTableNeverConcurrent(t *testing.T) {
	q := newMemQueue()
	applier := newTrackingApplier(2 * time.Millisecond)
	audit := &memAudit{}

	columns := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	for _, col := range columns {
		addOp(t, q, "orders", col)
		addOp(t, q, "invoices", col)
	}

	pool := NewWorkerPool(q, applier, audit, &memAlerts{}, testQueueConfig(), zap.NewNop())
	drainUntil(t, q, pool, 16)

	// The core guarantee: per-table mutual exclusion and FIFO order, while
	// distinct tables made progress in parallel workers.
	assert.LessOrEqual(t, pool.locks.Peak("orders"), 1)
	assert.LessOrEqual(t, pool.locks.Peak("invoices"), 1)
	assert.LessOrEqual(t, applier.peak["orders"], 1)
	assert.LessOrEqual(t, applier.peak["invoices"], 1)
	assert.Equal(t, columns, applier.applied["orders"])
	assert.Equal(t, columns, applier.applied["invoices"])
}

func TestWorkerPoolRetriesTransientThenApplies(t *testing.T) {
	q := newMemQueue()
	applier := newTrackingApplier(0)
	var calls int
	var mu sync.Mutex
	applier.fail = func(op *dynatable.MigrationOperation) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return dynatable.NewMigrationTransientError("lock timeout", nil)
		}
		return nil
	}
	audit := &memAudit{}
	addOp(t, q, "orders", "email")

	pool := NewWorkerPool(q, applier, audit, &memAlerts{}, testQueueConfig(), zap.NewNop())
	drainUntil(t, q, pool, 1)

	assert.Equal(t, 1, q.countStatus(dynatable.MigrationApplied))
	require.Len(t, audit.records, 2)
	assert.False(t, audit.records[0].Success)
	assert.Contains(t, audit.records[0].ErrorMessage, "lock timeout")
	assert.True(t, audit.records[1].Success)
	assert.Len(t, audit.synced, 1)
}

func TestWorkerPoolFatalGoesDeadImmediately(t *testing.T) {
	q := newMemQueue()
	applier := newTrackingApplier(0)
	applier.fail = func(op *dynatable.MigrationOperation) error {
		return dynatable.NewBackupRequiredError(op.TableName, op.ColumnName, nil)
	}
	alerts := &memAlerts{}
	addOp(t, q, "orders", "email")

	pool := NewWorkerPool(q, applier, &memAudit{}, alerts, testQueueConfig(), zap.NewNop())
	drainUntil(t, q, pool, 1)

	assert.Equal(t, 1, q.countStatus(dynatable.MigrationDead))
	require.Len(t, alerts.dead, 1)
	assert.Contains(t, alerts.dead[0], "BACKUP_REQUIRED")
}

func TestWorkerPoolExhaustsRetryBudget(t *testing.T) {
	q := newMemQueue()
	applier := newTrackingApplier(0)
	applier.fail = func(*dynatable.MigrationOperation) error {
		return dynatable.NewMigrationTransientError("still down", nil)
	}
	alerts := &memAlerts{}
	audit := &memAudit{}
	addOp(t, q, "orders", "email")

	pool := NewWorkerPool(q, applier, audit, alerts, testQueueConfig(), zap.NewNop())
	drainUntil(t, q, pool, 1)

	assert.Equal(t, 1, q.countStatus(dynatable.MigrationDead))
	assert.Len(t, alerts.dead, 1)
	// One failure record per attempt.
	assert.Len(t, audit.records, 3)
}

func TestWorkerPoolFailedHeadBlocksTable(t *testing.T) {
	q := newMemQueue()
	applier := newTrackingApplier(0)
	applier.fail = func(op *dynatable.MigrationOperation) error {
		if op.ColumnName == "bad" {
			return dynatable.NewMigrationFatalError("invalid ddl", nil)
		}
		return nil
	}
	addOp(t, q, "orders", "bad")
	addOp(t, q, "orders", "good")

	pool := NewWorkerPool(q, applier, &memAudit{}, &memAlerts{}, testQueueConfig(), zap.NewNop())
	drainUntil(t, q, pool, 1)

	// The dead head keeps younger work on its table from running.
	assert.Equal(t, 1, q.countStatus(dynatable.MigrationDead))
	assert.Equal(t, 1, q.countStatus(dynatable.MigrationPending))
	assert.Empty(t, applier.applied["orders"])
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute
	assert.Equal(t, 2*time.Second, retryDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, retryDelay(base, max, 2))
	assert.Equal(t, 16*time.Second, retryDelay(base, max, 4))
	assert.Equal(t, max, retryDelay(base, max, 20))
}
