package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type execPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGMaterializer owns all physical DDL and DML against dynamic tables. Every
// schema mutation flows through the migration queue into ApplyOperation; no
// other code path issues DDL.
type PGMaterializer struct {
	pool       dbPool
	catalog    dynatable.Catalog
	backups    *BackupStore
	deletions  string
	ddlTimeout time.Duration
	nowFunc    func() time.Time
	logger     *zap.Logger
}

func NewPGMaterializer(pool dbPool, catalog dynatable.Catalog, backups *BackupStore, tables dynatable.TableNames, ddlTimeout time.Duration, logger *zap.Logger) *PGMaterializer {
	if ddlTimeout <= 0 {
		ddlTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PGMaterializer{
		pool:       pool,
		catalog:    catalog,
		backups:    backups,
		deletions:  tables.DeletionLogs,
		ddlTimeout: ddlTimeout,
		nowFunc:    time.Now,
		logger:     logger,
	}
}

func (m *PGMaterializer) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	m.nowFunc = now
	if m.backups != nil {
		m.backups.withClock(now)
	}
}

// CreateTable builds the physical table for a main form. Field columns are
// nullable; required-ness is enforced at validation time so later schema
// operations never fight NOT NULL constraints over historical rows.
func (m *PGMaterializer) CreateTable(ctx context.Context, schema *dynatable.FormSchema) (string, error) {
	if schema == nil || schema.TableName == "" {
		return "", dynatable.NewValidationError("schema with a resolved table name is required")
	}
	exists, err := m.catalog.TableExists(ctx, schema.TableName)
	if err != nil {
		return "", fmt.Errorf("check table existence: %w", err)
	}
	if exists {
		return "", dynatable.NewSchemaConflictError(schema.TableName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", sanitizeIdentifier(schema.TableName))
	b.WriteString("\tid UUID PRIMARY KEY,\n")
	b.WriteString("\tsubmitted_by VARCHAR(255) NOT NULL,\n")
	b.WriteString("\tsubmitted_at TIMESTAMPTZ NOT NULL DEFAULT now()")
	appendFieldColumns(&b, schema.Fields)
	b.WriteString("\n)")

	if err := m.execDDL(ctx, b.String(), schema.TableName, ""); err != nil {
		return "", err
	}
	m.logger.Info("dynamic table created",
		zap.String("table", schema.TableName),
		zap.Int("fields", len(schema.Fields)))
	return schema.TableName, nil
}

// CreateSubTable builds the physical table for a sub-form, with parent
// linkage columns and a cascade so deleting a main row removes its children.
func (m *PGMaterializer) CreateSubTable(ctx context.Context, schema *dynatable.FormSchema, parentTable string) (string, error) {
	if schema == nil || schema.TableName == "" {
		return "", dynatable.NewValidationError("schema with a resolved table name is required")
	}
	if parentTable == "" {
		return "", dynatable.NewValidationError("parent table name is required")
	}
	exists, err := m.catalog.TableExists(ctx, schema.TableName)
	if err != nil {
		return "", fmt.Errorf("check table existence: %w", err)
	}
	if exists {
		return "", dynatable.NewSchemaConflictError(schema.TableName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", sanitizeIdentifier(schema.TableName))
	b.WriteString("\tid UUID PRIMARY KEY,\n")
	fmt.Fprintf(&b, "\tparent_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,\n", sanitizeIdentifier(parentTable))
	b.WriteString("\tmain_form_row_id UUID NOT NULL,\n")
	b.WriteString("\trow_order INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\tsubmitted_by VARCHAR(255) NOT NULL,\n")
	b.WriteString("\tsubmitted_at TIMESTAMPTZ NOT NULL DEFAULT now()")
	appendFieldColumns(&b, schema.Fields)
	b.WriteString("\n)")

	if err := m.execDDL(ctx, b.String(), schema.TableName, ""); err != nil {
		return "", err
	}

	index := fmt.Sprintf("CREATE INDEX %s ON %s (parent_id)",
		sanitizeIdentifier("idx_"+schema.TableName+"_parent"),
		sanitizeIdentifier(schema.TableName))
	if err := m.execDDL(ctx, index, schema.TableName, ""); err != nil {
		return "", err
	}

	m.logger.Info("dynamic sub-table created",
		zap.String("table", schema.TableName),
		zap.String("parent", parentTable))
	return schema.TableName, nil
}

func appendFieldColumns(b *strings.Builder, fields []dynatable.FieldDefinition) {
	for i := range fields {
		f := &fields[i]
		fmt.Fprintf(b, ",\n\t%s %s", sanitizeIdentifier(f.ColumnName), f.DataType.SQLType())
	}
}

// ApplyOperation executes one migration operation in its own short
// transaction under the DDL timeout. Destructive operations write their
// column backup on the same transaction, so the backup commits exactly when
// the DDL does.
func (m *PGMaterializer) ApplyOperation(ctx context.Context, op *dynatable.MigrationOperation) (string, error) {
	if op == nil {
		return "", dynatable.NewValidationError("operation cannot be nil")
	}
	if op.TableName == "" {
		return "", dynatable.NewValidationError("operation has no table name")
	}
	if op.Destructive() && m.backups == nil {
		return "", dynatable.NewBackupRequiredError(op.TableName, op.TargetColumn(),
			errors.New("no backup store configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, m.ddlTimeout)
	defer cancel()

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", mapPgError(fmt.Errorf("begin transaction: %w", err), op.TableName, op.TargetColumn())
	}
	defer tx.Rollback(ctx) // no-op if committed

	var backupRef string
	if op.Destructive() {
		column := op.ColumnName
		backupRef, err = m.backups.BackupColumn(ctx, tx, op.TableName, column)
		if err != nil {
			return "", dynatable.NewBackupRequiredError(op.TableName, column, err)
		}
	}

	ddl, err := operationDDL(op)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return "", mapPgError(err, op.TableName, op.TargetColumn())
	}

	if err := tx.Commit(ctx); err != nil {
		return "", mapPgError(fmt.Errorf("commit transaction: %w", err), op.TableName, op.TargetColumn())
	}

	m.logger.Info("migration operation applied",
		zap.String("kind", string(op.Kind)),
		zap.String("table", op.TableName),
		zap.String("column", op.TargetColumn()),
		zap.String("backupRef", backupRef))
	return backupRef, nil
}

func operationDDL(op *dynatable.MigrationOperation) (string, error) {
	table := sanitizeIdentifier(op.TableName)
	switch op.Kind {
	case dynatable.OpAddColumn:
		if !op.DataType.Valid() {
			return "", dynatable.NewMigrationFatalError(
				fmt.Sprintf("unknown data type %q", op.DataType), nil)
		}
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			table, sanitizeIdentifier(op.ColumnName), op.DataType.SQLType()), nil
	case dynatable.OpDropColumn:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
			table, sanitizeIdentifier(op.ColumnName)), nil
	case dynatable.OpRenameColumn:
		return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			table, sanitizeIdentifier(op.OldName), sanitizeIdentifier(op.NewName)), nil
	case dynatable.OpChangeType:
		if !op.NewType.Valid() {
			return "", dynatable.NewMigrationFatalError(
				fmt.Sprintf("unknown data type %q", op.NewType), nil)
		}
		column := sanitizeIdentifier(op.ColumnName)
		sqlType := op.NewType.SQLType()
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
			table, column, sqlType, column, sqlType), nil
	default:
		return "", dynatable.NewMigrationFatalError(
			fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
}

// DropTable destroys a dynamic table after counting its rows and writing the
// deletion audit entry. The count, the log row and the drop share one
// transaction: a drop with no audit trail can never commit.
func (m *PGMaterializer) DropTable(ctx context.Context, tableName string, audit dynatable.DeletionAudit) error {
	if tableName == "" {
		return dynatable.NewValidationError("table name is required")
	}
	exists, err := m.catalog.TableExists(ctx, tableName)
	if err != nil {
		return fmt.Errorf("check table existence: %w", err)
	}
	if !exists {
		return dynatable.NewTableNotFoundError(tableName)
	}

	ctx, cancel := context.WithTimeout(ctx, m.ddlTimeout)
	defer cancel()

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(fmt.Errorf("begin transaction: %w", err), tableName, "")
	}
	defer tx.Rollback(ctx)

	var rowCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", sanitizeIdentifier(tableName))
	if err := tx.QueryRow(ctx, countQuery).Scan(&rowCount); err != nil {
		return mapPgError(fmt.Errorf("count rows: %w", err), tableName, "")
	}

	logInsert := fmt.Sprintf(
		`INSERT INTO %s (id, table_name, form_id, sub_form_id, row_count, backup_created, snapshot_ref, deleted_by, deleted_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)`,
		sanitizeIdentifier(m.deletions))
	backupCreated := audit.SnapshotRef != ""
	if _, err := tx.Exec(ctx, logInsert,
		tableName, audit.FormID, audit.SubFormID, rowCount, backupCreated,
		audit.SnapshotRef, audit.DeletedBy, m.nowFunc().UTC()); err != nil {
		return mapPgError(fmt.Errorf("write deletion log: %w", err), tableName, "")
	}

	drop := fmt.Sprintf("DROP TABLE %s CASCADE", sanitizeIdentifier(tableName))
	if _, err := tx.Exec(ctx, drop); err != nil {
		return mapPgError(err, tableName, "")
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err), tableName, "")
	}

	m.logger.Warn("dynamic table dropped",
		zap.String("table", tableName),
		zap.Int64("rowCount", rowCount),
		zap.String("deletedBy", audit.DeletedBy),
		zap.String("snapshotRef", audit.SnapshotRef))
	return nil
}

func (m *PGMaterializer) execDDL(ctx context.Context, ddl, table, column string) error {
	ctx, cancel := context.WithTimeout(ctx, m.ddlTimeout)
	defer cancel()
	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return mapPgError(err, table, column)
	}
	return nil
}

// mapPgError translates driver failures into the engine taxonomy so the
// queue can pick a retry policy without knowing SQLSTATEs.
func mapPgError(err error, table, column string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dynatable.NewMigrationTransientError("operation timed out", err).
			WithTable(table).WithColumn(column)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42701": // duplicate_column
			return dynatable.NewColumnConflictError(table, column).WithCause(err)
		case "42P07": // duplicate_table
			return dynatable.NewSchemaConflictError(table).WithCause(err)
		case "42P01": // undefined_table
			return dynatable.NewTableNotFoundError(table).WithCause(err)
		case "42703": // undefined_column
			return dynatable.NewColumnNotFoundError(table, column).WithCause(err)
		case "22P02", "22007", "22003", "42804": // bad cast during CHANGE_TYPE
			return dynatable.NewMigrationFatalError("type change cannot convert existing data", err).
				WithTable(table).WithColumn(column)
		case "40001", "40P01", "55P03", "57014": // serialization, deadlock, lock timeout, cancel
			return dynatable.NewMigrationTransientError("database contention", err).
				WithTable(table).WithColumn(column)
		}
		if strings.HasPrefix(pgErr.Code, "08") { // connection errors
			return dynatable.NewMigrationTransientError("database connection failure", err).
				WithTable(table).WithColumn(column)
		}
		return dynatable.NewMigrationFatalError(pgErr.Message, err).
			WithTable(table).WithColumn(column)
	}

	return dynatable.NewMigrationTransientError("database error", err).
		WithTable(table).WithColumn(column)
}
