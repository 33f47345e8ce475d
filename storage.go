package dynatable

import (
	"context"

	"github.com/google/uuid"
)

// TableMaterializer issues the DDL and DML for dynamic tables. All names in
// the schemas it receives are already resolved by the identifier normalizer.
type TableMaterializer interface {
	// CreateTable builds the physical table for a main form, returning the
	// table name. Fails with SCHEMA_CONFLICT if the name is taken.
	CreateTable(ctx context.Context, schema *FormSchema) (string, error)

	// CreateSubTable builds the physical table for a sub-form, with parent
	// linkage columns, returning the table name.
	CreateSubTable(ctx context.Context, schema *FormSchema, parentTable string) (string, error)

	// ApplyOperation executes one migration operation in its own transaction.
	// Destructive operations back up the column first; the returned ref is
	// empty for non-destructive operations.
	ApplyOperation(ctx context.Context, op *MigrationOperation) (backupRef string, err error)

	// InsertRow writes one main-form submission row.
	InsertRow(ctx context.Context, schema *FormSchema, sub *Submission) error

	// InsertSubRow writes one sub-form row. mainFormRowId must equal parentId.
	InsertSubRow(ctx context.Context, schema *FormSchema, sub *SubSubmission) error

	// ReadRows reads rows from a dynamic table with optional filters.
	ReadRows(ctx context.Context, schema *FormSchema, opts *ReadOptions) ([]DynamicRow, error)

	// DropTable destroys a dynamic table and writes its deletion audit entry.
	DropTable(ctx context.Context, tableName string, audit DeletionAudit) error
}

// MigrationQueue accepts operations from the schema differ and reports queue
// state. Draining happens in the worker pool, not through this interface.
type MigrationQueue interface {
	// Enqueue durably records one operation, returning its queue id. The
	// operation becomes eligible immediately.
	Enqueue(ctx context.Context, op *MigrationOperation) (int64, error)

	// Withdraw cancels all still-pending operations for a form. In-flight
	// operations run to completion.
	Withdraw(ctx context.Context, formID uuid.UUID) (int, error)

	// Status aggregates queue state for one form.
	Status(ctx context.Context, formID uuid.UUID) (*QueueStatus, error)
}

// Translator is the best-effort text translation collaborator. It may be
// slow or unavailable; callers bound it with a timeout and fall back
// deterministically.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// AlertSink receives escalations for migrations that exhausted their retry
// budget and for queueing failures that were decoupled from a form save.
type AlertSink interface {
	MigrationDead(ctx context.Context, op *MigrationOperation, lastError string)
	EnqueueFailed(ctx context.Context, op *MigrationOperation, err error)
}

// Catalog is the explicit view of the physical table catalog. All existence
// checks go through it so tests can substitute an in-memory fake.
type Catalog interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	Columns(ctx context.Context, table string) ([]string, error)
}
