package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qcollector/dynatable"
)

type opApplier interface {
	ApplyOperation(ctx context.Context, op *dynatable.MigrationOperation) (string, error)
}

type auditStore interface {
	WriteMigrationRecord(ctx context.Context, rec *dynatable.MigrationRecord) error
	SyncFieldMetadata(ctx context.Context, op *dynatable.MigrationOperation) error
}

// tableLockSet is the in-process per-table mutual exclusion. The claim query
// already serializes across processes; this set serializes the workers inside
// one process and exposes the concurrency high-water mark for tests.
type tableLockSet struct {
	mu     sync.Mutex
	held   map[string]bool
	active map[string]int
	peak   map[string]int
}

func newTableLockSet() *tableLockSet {
	return &tableLockSet{
		held:   make(map[string]bool),
		active: make(map[string]int),
		peak:   make(map[string]int),
	}
}

// TryAcquire takes the table's lock if free.
func (l *tableLockSet) TryAcquire(table string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[table] {
		return false
	}
	l.held[table] = true
	l.active[table]++
	if l.active[table] > l.peak[table] {
		l.peak[table] = l.active[table]
	}
	return true
}

func (l *tableLockSet) Release(table string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, table)
	l.active[table]--
}

// Held snapshots the currently locked tables, for exclusion in claims.
func (l *tableLockSet) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tables := make([]string, 0, len(l.held))
	for table := range l.held {
		tables = append(tables, table)
	}
	return tables
}

// Peak returns the highest concurrent hold count ever observed for a table.
// Anything above 1 means the serialization guarantee was violated.
func (l *tableLockSet) Peak(table string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak[table]
}

// WorkerPool drains the migration queue with a fixed number of workers.
// Workers run in parallel across tables; per-table ordering and mutual
// exclusion come from the claim query plus the lock set.
type WorkerPool struct {
	store     queueStore
	applier   opApplier
	records   auditStore
	alerts    dynatable.AlertSink
	cfg       dynatable.QueueConfig
	locks     *tableLockSet
	appliedBy string
	nowFunc   func() time.Time
	logger    *zap.Logger
}

func NewWorkerPool(store queueStore, applier opApplier, records auditStore, alerts dynatable.AlertSink, cfg dynatable.QueueConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.L()
	}
	return &WorkerPool{
		store:     store,
		applier:   applier,
		records:   records,
		alerts:    alerts,
		cfg:       cfg,
		locks:     newTableLockSet(),
		appliedBy: "migration-worker",
		nowFunc:   time.Now,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, draining the queue with cfg.Workers
// goroutines. An in-flight operation always runs to completion; cancellation
// only stops new claims.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.workerLoop(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *WorkerPool) workerLoop(ctx context.Context, worker int) error {
	log := p.logger.With(zap.Int("worker", worker))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := p.DrainOne(ctx)
		if err != nil {
			log.Error("queue claim failed", zap.Error(err))
		}
		if processed {
			// Keep draining while there is work.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOne claims and processes at most one operation, reporting whether one
// was processed. Exposed for deterministic tests and one-shot tooling.
func (p *WorkerPool) DrainOne(ctx context.Context) (bool, error) {
	claimed, err := p.store.Claim(ctx, p.locks.Held())
	if err != nil || claimed == nil {
		return false, err
	}

	table := claimed.Op.TableName
	if !p.locks.TryAcquire(table) {
		// Another worker in this process took the table between our claim
		// snapshot and now. Put the entry back at the head of its line.
		if retryErr := p.store.MarkRetry(ctx, claimed.QueueID, claimed.Attempts, p.nowFunc()); retryErr != nil {
			return false, retryErr
		}
		return false, nil
	}
	defer p.locks.Release(table)

	p.process(ctx, claimed)
	return true, nil
}

func (p *WorkerPool) process(ctx context.Context, claimed *queuedOp) {
	op := &claimed.Op
	log := p.logger.With(
		zap.Int64("queueId", claimed.QueueID),
		zap.String("kind", string(op.Kind)),
		zap.String("table", op.TableName))

	backupRef, err := p.applier.ApplyOperation(ctx, op)
	if err == nil {
		p.finishApplied(ctx, claimed, backupRef, log)
		return
	}

	attempts := claimed.Attempts + 1
	p.writeRecord(ctx, op, false, err.Error(), backupRef)

	if dynatable.IsFatal(err) || attempts >= p.cfg.MaxAttempts {
		if markErr := p.store.MarkDead(ctx, claimed.QueueID); markErr != nil {
			log.Error("mark dead failed", zap.Error(markErr))
		}
		log.Error("migration dead", zap.Int("attempts", attempts), zap.Error(err))
		if p.alerts != nil {
			p.alerts.MigrationDead(ctx, op, err.Error())
		}
		return
	}

	delay := retryDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, attempts)
	if markErr := p.store.MarkRetry(ctx, claimed.QueueID, attempts, p.nowFunc().Add(delay)); markErr != nil {
		log.Error("mark retry failed", zap.Error(markErr))
		return
	}
	log.Warn("migration failed, will retry",
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (p *WorkerPool) finishApplied(ctx context.Context, claimed *queuedOp, backupRef string, log *zap.Logger) {
	if err := p.store.MarkApplied(ctx, claimed.QueueID); err != nil {
		log.Error("mark applied failed", zap.Error(err))
	}
	p.writeRecord(ctx, &claimed.Op, true, "", backupRef)
	if p.records != nil {
		if err := p.records.SyncFieldMetadata(ctx, &claimed.Op); err != nil {
			log.Error("field metadata sync failed", zap.Error(err))
		}
	}
	log.Info("migration applied", zap.String("backupRef", backupRef))
}

func (p *WorkerPool) writeRecord(ctx context.Context, op *dynatable.MigrationOperation, success bool, errMsg, backupRef string) {
	if p.records == nil {
		return
	}
	rec := &dynatable.MigrationRecord{
		FormID:       op.FormID,
		SubFormID:    op.SubFormID,
		Kind:         op.Kind,
		TableName:    op.TableName,
		ColumnName:   op.TargetColumn(),
		Success:      success,
		ErrorMessage: errMsg,
		BackupRef:    backupRef,
		AppliedAt:    p.nowFunc().UTC(),
		AppliedBy:    p.appliedBy,
	}
	switch op.Kind {
	case dynatable.OpRenameColumn:
		rec.OldValue = op.OldName
		rec.NewValue = op.NewName
	case dynatable.OpChangeType:
		rec.OldValue = string(op.OldType)
		rec.NewValue = string(op.NewType)
	case dynatable.OpAddColumn:
		rec.NewValue = string(op.DataType)
	}
	if err := p.records.WriteMigrationRecord(ctx, rec); err != nil {
		p.logger.Error("write migration record failed", zap.Error(err))
	}
}

// retryDelay doubles the base delay per prior attempt, capped at max.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
