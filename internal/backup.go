package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qcollector/dynatable"
)

// BackupStore persists a column's current values before a destructive
// operation. The insert runs on the caller's transaction so the backup is
// visible exactly when the destructive DDL is, never one without the other.
type BackupStore struct {
	table   string
	nowFunc func() time.Time
}

func NewBackupStore(backupTable string) *BackupStore {
	return &BackupStore{table: backupTable, nowFunc: time.Now}
}

func (s *BackupStore) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.nowFunc = now
}

// newBackupRef derives the public reference from a fresh uuid. The base32
// form keeps refs short and safe to embed in log lines and object keys.
func newBackupRef() string {
	return "bk_" + EncodeUUIDToBase32(uuid.New())
}

// BackupColumn snapshots every (row id, value) pair of the column into the
// backup store and returns the backup ref. Empty tables still produce a
// backup row with an empty payload, so the mandatory-backup precondition
// holds regardless of data volume.
func (s *BackupStore) BackupColumn(ctx context.Context, tx pgx.Tx, table, column string) (string, error) {
	if s.table == "" {
		return "", fmt.Errorf("backup table name cannot be empty")
	}
	ref := newBackupRef()
	query := fmt.Sprintf(
		`INSERT INTO %s (id, table_name, column_name, backed_up_at, payload, row_count)
		SELECT $1, $2, $3, $4,
			COALESCE(jsonb_agg(jsonb_build_object('row_id', t.id, 'value', to_jsonb(t.%s))), '[]'::jsonb),
			COUNT(*)
		FROM %s t`,
		sanitizeIdentifier(s.table),
		sanitizeIdentifier(column),
		sanitizeIdentifier(table),
	)
	if _, err := tx.Exec(ctx, query, ref, table, column, s.nowFunc().UTC()); err != nil {
		return "", fmt.Errorf("backup column %s.%s: %w", table, column, err)
	}
	return ref, nil
}

// PendingArchive lists backups that have not been uploaded yet, oldest first.
func (s *BackupStore) PendingArchive(ctx context.Context, pool catalogPool, limit int) ([]dynatable.ColumnBackup, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id, table_name, column_name, backed_up_at, payload, row_count
		FROM %s WHERE archived_at IS NULL ORDER BY backed_up_at LIMIT $1`,
		sanitizeIdentifier(s.table),
	)
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending backups: %w", err)
	}
	defer rows.Close()

	var backups []dynatable.ColumnBackup
	for rows.Next() {
		var b dynatable.ColumnBackup
		if err := rows.Scan(&b.Ref, &b.TableName, &b.ColumnName, &b.BackedUpAt, &b.Payload, &b.RowCount); err != nil {
			return nil, fmt.Errorf("scan backup row: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return backups, nil
}

// MarkArchived stamps a backup with its remote object key after upload.
func (s *BackupStore) MarkArchived(ctx context.Context, pool execPool, ref, archiveRef string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET archived_at = $1, archive_ref = $2 WHERE id = $3`,
		sanitizeIdentifier(s.table),
	)
	tag, err := pool.Exec(ctx, query, s.nowFunc().UTC(), archiveRef, ref)
	if err != nil {
		return fmt.Errorf("mark backup archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backup ref %s not found", ref)
	}
	return nil
}
