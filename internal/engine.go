package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

// TableSnapshotter exports a whole-table snapshot before a drop, returning
// the snapshot ref. Optional; without one, drops proceed with an empty ref.
type TableSnapshotter interface {
	SnapshotTable(ctx context.Context, tableName string) (string, error)
}

// Engine is the façade collaborators talk to: it resolves identifiers,
// materializes tables, diffs schema edits into queued operations and routes
// submissions. All DDL beyond initial creation flows through the queue.
type Engine struct {
	normalizer *Normalizer
	mat        dynatable.TableMaterializer
	queue      dynatable.MigrationQueue
	catalog    dynatable.Catalog
	records    *RecordStore
	alerts     dynatable.AlertSink
	snapshots  TableSnapshotter
	logger     *zap.Logger
}

func NewEngine(normalizer *Normalizer, mat dynatable.TableMaterializer, queue dynatable.MigrationQueue, catalog dynatable.Catalog, records *RecordStore, alerts dynatable.AlertSink, snapshots TableSnapshotter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{
		normalizer: normalizer,
		mat:        mat,
		queue:      queue,
		catalog:    catalog,
		records:    records,
		alerts:     alerts,
		snapshots:  snapshots,
		logger:     logger,
	}
}

func validateFieldTitles(schema *dynatable.FormSchema) error {
	seen := make(map[string]bool, len(schema.Fields))
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if !f.DataType.Valid() {
			return dynatable.NewValidationError(
				fmt.Sprintf("field %q has unknown data type %q", f.Title, f.DataType))
		}
		key := strings.ToLower(strings.TrimSpace(f.Title))
		if key != "" && seen[key] {
			return dynatable.NewValidationError(
				fmt.Sprintf("field title %q is not unique within the form", f.Title))
		}
		seen[key] = true
	}
	return nil
}

// resolveTableName normalizes the form title into a table name that does not
// collide with any existing physical table.
func (e *Engine) resolveTableName(ctx context.Context, title string) (string, error) {
	existing := make(map[string]bool)
	for {
		name, err := e.normalizer.Normalize(ctx, title, dynatable.IdentifierTable, existing)
		if err != nil {
			return "", err
		}
		taken, err := e.catalog.TableExists(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		if existing[name] {
			return "", dynatable.NewSchemaConflictError(name).WithDetail("sourceText", title)
		}
		existing[name] = true
	}
}

// resolveFieldColumns fills in ColumnName for every field. A kept field whose
// title is unedited holds on to its current column no matter how the rest of
// the name landscape changed; only an actual title edit re-normalizes. All
// prior columns stay in the existing set (dropped ones included, since the
// DROP has not been applied yet), so new names never collide physically.
func (e *Engine) resolveFieldColumns(ctx context.Context, schema *dynatable.FormSchema, keep map[uuid.UUID]dynatable.FieldDefinition) error {
	existing := map[string]bool{
		"id": true, "submitted_by": true, "submitted_at": true,
		"parent_id": true, "main_form_row_id": true, "row_order": true,
	}
	for _, prior := range keep {
		existing[prior.ColumnName] = true
	}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if prior, ok := keep[f.ID]; ok && f.ID != uuid.Nil {
			if strings.TrimSpace(f.Title) == strings.TrimSpace(prior.Title) {
				f.ColumnName = prior.ColumnName
				continue
			}
			// Title edited: resolve against the other columns only, so a
			// title that maps back to its own current name stays a no-op.
			delete(existing, prior.ColumnName)
			name, err := e.normalizer.Normalize(ctx, f.Title, dynatable.IdentifierColumn, existing)
			if err != nil {
				return err
			}
			f.ColumnName = name
			existing[name] = true
			continue
		}
		name, err := e.normalizer.Normalize(ctx, f.Title, dynatable.IdentifierColumn, existing)
		if err != nil {
			return err
		}
		f.ColumnName = name
		existing[name] = true
	}
	return nil
}

func assignFieldIDs(schema *dynatable.FormSchema) {
	for i := range schema.Fields {
		if schema.Fields[i].ID == uuid.Nil {
			schema.Fields[i].ID = uuid.New()
		}
	}
}

// CreateForm materializes a new main form: resolves the table and column
// names, creates the physical table and persists the field metadata.
func (e *Engine) CreateForm(ctx context.Context, schema *dynatable.FormSchema) (*dynatable.FormSchema, error) {
	if schema == nil {
		return nil, dynatable.NewValidationError("schema cannot be nil")
	}
	if err := validateFieldTitles(schema); err != nil {
		return nil, err
	}

	tableName, err := e.resolveTableName(ctx, schema.Title)
	if err != nil {
		return nil, err
	}
	schema.TableName = tableName
	if err := e.resolveFieldColumns(ctx, schema, nil); err != nil {
		return nil, err
	}
	assignFieldIDs(schema)

	if _, err := e.mat.CreateTable(ctx, schema); err != nil {
		return nil, err
	}
	if e.records != nil {
		if err := e.records.UpsertFieldMetadata(ctx, schema); err != nil {
			return nil, err
		}
	}
	schema.Version = 1
	return schema, nil
}

// CreateSubForm materializes a sub-form table linked to its parent.
func (e *Engine) CreateSubForm(ctx context.Context, schema *dynatable.FormSchema, parent *dynatable.FormSchema) (*dynatable.FormSchema, error) {
	if schema == nil || parent == nil {
		return nil, dynatable.NewValidationError("schema and parent are required")
	}
	if schema.SubFormID == nil {
		return nil, dynatable.NewValidationError("sub-form schema requires a subFormId")
	}
	if parent.TableName == "" {
		return nil, dynatable.NewValidationError("parent form is not materialized")
	}
	if err := validateFieldTitles(schema); err != nil {
		return nil, err
	}

	tableName, err := e.resolveTableName(ctx, schema.Title)
	if err != nil {
		return nil, err
	}
	schema.TableName = tableName
	if err := e.resolveFieldColumns(ctx, schema, nil); err != nil {
		return nil, err
	}
	assignFieldIDs(schema)

	if _, err := e.mat.CreateSubTable(ctx, schema, parent.TableName); err != nil {
		return nil, err
	}
	if e.records != nil {
		if err := e.records.UpsertFieldMetadata(ctx, schema); err != nil {
			return nil, err
		}
	}
	schema.Version = 1
	return schema, nil
}

// UpdateForm diffs an edited field list against the current one and enqueues
// the resulting operations. The metadata change and the physical change are
// deliberately decoupled: a queueing failure is escalated to the alert sink
// but never fails the save.
func (e *Engine) UpdateForm(ctx context.Context, current, edited *dynatable.FormSchema) (*dynatable.FormSchema, []int64, error) {
	if current == nil || edited == nil {
		return nil, nil, dynatable.NewValidationError("current and edited schemas are required")
	}
	if current.TableName == "" {
		return nil, nil, dynatable.NewValidationError("current schema is not materialized")
	}
	if err := validateFieldTitles(edited); err != nil {
		return nil, nil, err
	}

	edited.TableName = current.TableName
	edited.FormID = current.FormID
	edited.SubFormID = current.SubFormID

	keep := make(map[uuid.UUID]dynatable.FieldDefinition, len(current.Fields))
	for _, f := range current.Fields {
		keep[f.ID] = f
	}
	if err := e.resolveFieldColumns(ctx, edited, keep); err != nil {
		return nil, nil, err
	}
	assignFieldIDs(edited)

	ops := Diff(current, edited)
	queueIDs := make([]int64, 0, len(ops))
	for i := range ops {
		id, err := e.queue.Enqueue(ctx, &ops[i])
		if err != nil {
			e.logger.Error("enqueue migration failed",
				zap.String("kind", string(ops[i].Kind)),
				zap.String("table", ops[i].TableName),
				zap.Error(err))
			if e.alerts != nil {
				e.alerts.EnqueueFailed(ctx, &ops[i], err)
			}
			continue
		}
		queueIDs = append(queueIDs, id)
	}

	if e.records != nil {
		if err := e.records.UpsertFieldMetadata(ctx, edited); err != nil {
			return nil, nil, err
		}
	}
	edited.Version = current.Version + 1

	e.logger.Info("form update queued",
		zap.String("table", edited.TableName),
		zap.Int("operations", len(ops)),
		zap.Int("queued", len(queueIDs)))
	return edited, queueIDs, nil
}

// DeleteForm withdraws the form's queued work, snapshots each table when an
// archiver is configured and drops sub-form tables before the main table.
func (e *Engine) DeleteForm(ctx context.Context, schema *dynatable.FormSchema, subSchemas []*dynatable.FormSchema, deletedBy string) error {
	if schema == nil || schema.TableName == "" {
		return dynatable.NewValidationError("materialized schema is required")
	}

	withdrawn, err := e.queue.Withdraw(ctx, schema.FormID)
	if err != nil {
		return err
	}
	if withdrawn > 0 {
		e.logger.Info("withdrew queued migrations before delete",
			zap.String("form", schema.FormID.String()),
			zap.Int("count", withdrawn))
	}

	tables := make([]*dynatable.FormSchema, 0, len(subSchemas)+1)
	tables = append(tables, subSchemas...)
	tables = append(tables, schema)

	for _, s := range tables {
		if s == nil || s.TableName == "" {
			continue
		}
		var snapshotRef string
		if e.snapshots != nil {
			snapshotRef, err = e.snapshots.SnapshotTable(ctx, s.TableName)
			if err != nil {
				// The deletion log records the missing backup; the drop still
				// happens because the form owner asked for it.
				e.logger.Error("pre-drop snapshot failed",
					zap.String("table", s.TableName), zap.Error(err))
				snapshotRef = ""
			}
		}
		if err := e.mat.DropTable(ctx, s.TableName, dynatable.DeletionAudit{
			FormID:      s.FormID,
			SubFormID:   s.SubFormID,
			DeletedBy:   deletedBy,
			SnapshotRef: snapshotRef,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Submit validates and inserts one main-form row.
func (e *Engine) Submit(ctx context.Context, schema *dynatable.FormSchema, sub *dynatable.Submission) error {
	if schema == nil || sub == nil {
		return dynatable.NewValidationError("schema and submission are required")
	}
	validator, err := NewSubmissionValidator(schema)
	if err != nil {
		return err
	}
	if err := validator.Validate(sub.Values); err != nil {
		return err
	}
	if sub.RowID == uuid.Nil {
		sub.RowID = uuid.New()
	}
	return e.mat.InsertRow(ctx, schema, sub)
}

// SubmitSub validates and inserts one sub-form row.
func (e *Engine) SubmitSub(ctx context.Context, schema *dynatable.FormSchema, sub *dynatable.SubSubmission) error {
	if schema == nil || sub == nil {
		return dynatable.NewValidationError("schema and submission are required")
	}
	validator, err := NewSubmissionValidator(schema)
	if err != nil {
		return err
	}
	if err := validator.Validate(sub.Values); err != nil {
		return err
	}
	if sub.RowID == uuid.Nil {
		sub.RowID = uuid.New()
	}
	return e.mat.InsertSubRow(ctx, schema, sub)
}

// Rows reads submissions back from a form's dynamic table.
func (e *Engine) Rows(ctx context.Context, schema *dynatable.FormSchema, opts *dynatable.ReadOptions) ([]dynatable.DynamicRow, error) {
	return e.mat.ReadRows(ctx, schema, opts)
}

// QueueStatus reports the migration queue state for one form.
func (e *Engine) QueueStatus(ctx context.Context, formID uuid.UUID) (*dynatable.QueueStatus, error) {
	return e.queue.Status(ctx, formID)
}

// MigrationHistory returns the form's audit trail, newest first.
func (e *Engine) MigrationHistory(ctx context.Context, formID uuid.UUID, limit int) ([]dynatable.MigrationRecord, error) {
	if e.records == nil {
		return nil, nil
	}
	return e.records.MigrationHistory(ctx, formID, limit)
}
