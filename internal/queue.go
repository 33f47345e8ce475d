package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qcollector/dynatable"
)

// queuedOp is one claimed queue entry.
type queuedOp struct {
	QueueID  int64
	Attempts int
	Op       dynatable.MigrationOperation
}

// queueStore is the durable queue the worker pool drains. DBQueue is the
// production implementation; tests substitute an in-memory one.
type queueStore interface {
	Enqueue(ctx context.Context, op *dynatable.MigrationOperation) (int64, error)
	Claim(ctx context.Context, excludeTables []string) (*queuedOp, error)
	MarkApplied(ctx context.Context, queueID int64) error
	MarkRetry(ctx context.Context, queueID int64, attempts int, nextAttempt time.Time) error
	MarkDead(ctx context.Context, queueID int64) error
}

// DBQueue is the Postgres-backed migration queue. Entries survive restarts;
// claiming uses FOR UPDATE SKIP LOCKED so several worker processes can share
// one queue table without double-claiming.
type DBQueue struct {
	pool    dbPool
	table   string
	nowFunc func() time.Time
}

func NewDBQueue(pool dbPool, tables dynatable.TableNames) *DBQueue {
	return &DBQueue{pool: pool, table: tables.MigrationQueue, nowFunc: time.Now}
}

func (q *DBQueue) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	q.nowFunc = now
}

// Enqueue durably records one operation. The entry is eligible immediately;
// ordering within its table is the serial id.
func (q *DBQueue) Enqueue(ctx context.Context, op *dynatable.MigrationOperation) (int64, error) {
	if op == nil {
		return 0, dynatable.NewValidationError("operation cannot be nil")
	}
	if op.TableName == "" {
		return 0, dynatable.NewValidationError("operation has no table name")
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("marshal operation: %w", err)
	}

	now := q.nowFunc().UTC()
	query := fmt.Sprintf(
		`INSERT INTO %s (op, form_id, sub_form_id, table_name, status, attempts, next_attempt_at, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6, $6)
		RETURNING id`,
		sanitizeIdentifier(q.table))
	var queueID int64
	err = q.pool.QueryRow(ctx, query,
		payload, op.FormID, op.SubFormID, op.TableName, dynatable.MigrationPending, now).Scan(&queueID)
	if err != nil {
		return 0, fmt.Errorf("enqueue operation: %w", err)
	}
	return queueID, nil
}

// Claim picks the oldest eligible entry whose table is not already busy and
// marks it running, all in one transaction. An entry is eligible only if it
// is the head of its table's line: failed and dead entries ahead of it keep
// the whole table blocked, so operations never apply out of order.
func (q *DBQueue) Claim(ctx context.Context, excludeTables []string) (*queuedOp, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	if excludeTables == nil {
		excludeTables = []string{}
	}
	table := sanitizeIdentifier(q.table)
	query := fmt.Sprintf(
		`SELECT q.id, q.attempts, q.op FROM %s q
		WHERE q.status IN ($1, $2)
			AND q.next_attempt_at <= $3
			AND q.table_name <> ALL($4)
			AND q.id = (
				SELECT min(q2.id) FROM %s q2
				WHERE q2.table_name = q.table_name
					AND q2.status NOT IN ($5, $6)
			)
		ORDER BY q.id
		LIMIT 1
		FOR UPDATE OF q SKIP LOCKED`,
		table, table)
	now := q.nowFunc().UTC()

	var claimed queuedOp
	var payload []byte
	err = tx.QueryRow(ctx, query,
		dynatable.MigrationPending, dynatable.MigrationFailed, now, excludeTables,
		dynatable.MigrationApplied, dynatable.MigrationCancelled).
		Scan(&claimed.QueueID, &claimed.Attempts, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim operation: %w", err)
	}
	if err := json.Unmarshal(payload, &claimed.Op); err != nil {
		return nil, fmt.Errorf("unmarshal claimed operation: %w", err)
	}

	update := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`, table)
	if _, err := tx.Exec(ctx, update, dynatable.MigrationRunning, now, claimed.QueueID); err != nil {
		return nil, fmt.Errorf("mark operation running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &claimed, nil
}

func (q *DBQueue) setStatus(ctx context.Context, queueID int64, status dynatable.MigrationStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`,
		sanitizeIdentifier(q.table))
	tag, err := q.pool.Exec(ctx, query, status, q.nowFunc().UTC(), queueID)
	if err != nil {
		return fmt.Errorf("update queue entry %d: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d not found", queueID)
	}
	return nil
}

func (q *DBQueue) MarkApplied(ctx context.Context, queueID int64) error {
	return q.setStatus(ctx, queueID, dynatable.MigrationApplied)
}

func (q *DBQueue) MarkDead(ctx context.Context, queueID int64) error {
	return q.setStatus(ctx, queueID, dynatable.MigrationDead)
}

// MarkRetry returns a failed entry to the line with its backoff deadline. It
// stays the head of its table, so younger operations keep waiting behind it.
func (q *DBQueue) MarkRetry(ctx context.Context, queueID int64, attempts int, nextAttempt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, attempts = $2, next_attempt_at = $3, updated_at = $4 WHERE id = $5`,
		sanitizeIdentifier(q.table))
	tag, err := q.pool.Exec(ctx, query,
		dynatable.MigrationFailed, attempts, nextAttempt.UTC(), q.nowFunc().UTC(), queueID)
	if err != nil {
		return fmt.Errorf("mark queue entry %d for retry: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d not found", queueID)
	}
	return nil
}

// Withdraw cancels every not-yet-running entry of a form. In-flight entries
// finish on their own; their tables are about to be dropped anyway.
func (q *DBQueue) Withdraw(ctx context.Context, formID uuid.UUID) (int, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $1, updated_at = $2 WHERE form_id = $3 AND status IN ($4, $5)`,
		sanitizeIdentifier(q.table))
	tag, err := q.pool.Exec(ctx, query,
		dynatable.MigrationCancelled, q.nowFunc().UTC(), formID,
		dynatable.MigrationPending, dynatable.MigrationFailed)
	if err != nil {
		return 0, fmt.Errorf("withdraw operations for form %s: %w", formID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Status aggregates queue state for one form across all its tables.
func (q *DBQueue) Status(ctx context.Context, formID uuid.UUID) (*dynatable.QueueStatus, error) {
	query := fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s WHERE form_id = $1 GROUP BY status`,
		sanitizeIdentifier(q.table))
	rows, err := q.pool.Query(ctx, query, formID)
	if err != nil {
		return nil, fmt.Errorf("query queue status: %w", err)
	}
	defer rows.Close()

	var status dynatable.QueueStatus
	for rows.Next() {
		var s dynatable.MigrationStatus
		var count int
		if err := rows.Scan(&s, &count); err != nil {
			return nil, fmt.Errorf("scan queue status: %w", err)
		}
		switch s {
		case dynatable.MigrationPending:
			status.Pending += count
		case dynatable.MigrationRunning:
			status.Running += count
		case dynatable.MigrationApplied:
			status.Applied += count
		case dynatable.MigrationFailed:
			status.Failed += count
		case dynatable.MigrationDead:
			status.Dead += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue status: %w", err)
	}
	return &status, nil
}
