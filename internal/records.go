package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qcollector/dynatable"
)

// RecordStore writes the engine's immutable audit trail and keeps persisted
// field metadata in step with applied operations.
type RecordStore struct {
	pool    dbPool
	tables  dynatable.TableNames
	nowFunc func() time.Time
}

func NewRecordStore(pool dbPool, tables dynatable.TableNames) *RecordStore {
	return &RecordStore{pool: pool, tables: tables, nowFunc: time.Now}
}

func (s *RecordStore) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.nowFunc = now
}

// WriteMigrationRecord appends one audit row for a terminal migration
// attempt. Records are append-only; nothing in the engine updates or deletes
// them.
func (s *RecordStore) WriteMigrationRecord(ctx context.Context, rec *dynatable.MigrationRecord) error {
	if rec == nil {
		return fmt.Errorf("migration record cannot be nil")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = s.nowFunc().UTC()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, form_id, sub_form_id, op_kind, table_name, column_name,
			old_value, new_value, success, error_message, backup_ref, applied_at, applied_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sanitizeIdentifier(s.tables.FieldMigrations))
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.FormID, rec.SubFormID, rec.Kind, rec.TableName, rec.ColumnName,
		rec.OldValue, rec.NewValue, rec.Success, rec.ErrorMessage, rec.BackupRef,
		rec.AppliedAt, rec.AppliedBy)
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

// MigrationHistory returns the audit trail for one form, newest first.
func (s *RecordStore) MigrationHistory(ctx context.Context, formID uuid.UUID, limit int) ([]dynatable.MigrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id, form_id, sub_form_id, op_kind, table_name, column_name,
			old_value, new_value, success, error_message, backup_ref, applied_at, applied_by
		FROM %s WHERE form_id = $1 ORDER BY applied_at DESC LIMIT $2`,
		sanitizeIdentifier(s.tables.FieldMigrations))
	rows, err := s.pool.Query(ctx, query, formID, limit)
	if err != nil {
		return nil, fmt.Errorf("query migration history: %w", err)
	}
	defer rows.Close()

	var records []dynatable.MigrationRecord
	for rows.Next() {
		var rec dynatable.MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.FormID, &rec.SubFormID, &rec.Kind, &rec.TableName,
			&rec.ColumnName, &rec.OldValue, &rec.NewValue, &rec.Success, &rec.ErrorMessage,
			&rec.BackupRef, &rec.AppliedAt, &rec.AppliedBy); err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration records: %w", err)
	}
	return records, nil
}

// SyncFieldMetadata updates the persisted column name and data type of one
// field after its operation applied, keeping the logical definition and the
// physical column in agreement.
func (s *RecordStore) SyncFieldMetadata(ctx context.Context, op *dynatable.MigrationOperation) error {
	if op.FieldID == uuid.Nil {
		return nil
	}
	var query string
	var args []any
	table := sanitizeIdentifier(s.tables.FormFields)
	switch op.Kind {
	case dynatable.OpRenameColumn:
		query = fmt.Sprintf(`UPDATE %s SET column_name = $1, updated_at = $2 WHERE field_id = $3`, table)
		args = []any{op.NewName, s.nowFunc().UTC(), op.FieldID}
	case dynatable.OpChangeType:
		query = fmt.Sprintf(`UPDATE %s SET data_type = $1, updated_at = $2 WHERE field_id = $3`, table)
		args = []any{op.NewType, s.nowFunc().UTC(), op.FieldID}
	case dynatable.OpAddColumn:
		query = fmt.Sprintf(`UPDATE %s SET column_name = $1, data_type = $2, updated_at = $3 WHERE field_id = $4`, table)
		args = []any{op.ColumnName, op.DataType, s.nowFunc().UTC(), op.FieldID}
	default:
		return nil
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("sync field metadata: %w", err)
	}
	return nil
}

// UpsertFieldMetadata persists the resolved definition of one field, used
// when a form or sub-form is first materialized.
func (s *RecordStore) UpsertFieldMetadata(ctx context.Context, schema *dynatable.FormSchema) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (field_id, form_id, sub_form_id, title, data_type, column_name, required, ordinal, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (field_id)
		DO UPDATE SET title = EXCLUDED.title, data_type = EXCLUDED.data_type,
			column_name = EXCLUDED.column_name, required = EXCLUDED.required,
			ordinal = EXCLUDED.ordinal, updated_at = EXCLUDED.updated_at`,
		sanitizeIdentifier(s.tables.FormFields))
	now := s.nowFunc().UTC()
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.ID == uuid.Nil {
			continue
		}
		if _, err := s.pool.Exec(ctx, query,
			f.ID, schema.FormID, schema.SubFormID, f.Title, f.DataType,
			f.ColumnName, f.Required, f.Order, now); err != nil {
			return fmt.Errorf("upsert field metadata: %w", err)
		}
	}
	return nil
}
