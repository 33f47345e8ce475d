package dynatable

import (
	"time"

	"github.com/google/uuid"
)

// DataType represents the closed set of field types a form designer can pick.
type DataType string

const (
	DataTypeShortText    DataType = "short_text"
	DataTypeLongText     DataType = "long_text"
	DataTypeNumber       DataType = "number"
	DataTypeDate         DataType = "date"
	DataTypeDateTime     DataType = "datetime"
	DataTypeBoolean      DataType = "boolean"
	DataTypeSingleChoice DataType = "single_choice"
	DataTypeMultiChoice  DataType = "multi_choice"
	DataTypeFileRef      DataType = "file_ref"
	DataTypeImageRef     DataType = "image_ref"
)

// sqlTypes is the single mapping table from logical field types to physical
// column types. Adding a field type means adding exactly one entry here.
var sqlTypes = map[DataType]string{
	DataTypeShortText:    "VARCHAR(255)",
	DataTypeLongText:     "TEXT",
	DataTypeNumber:       "NUMERIC",
	DataTypeDate:         "DATE",
	DataTypeDateTime:     "TIMESTAMPTZ",
	DataTypeBoolean:      "BOOLEAN",
	DataTypeSingleChoice: "VARCHAR(255)",
	DataTypeMultiChoice:  "TEXT",
	DataTypeFileRef:      "UUID",
	DataTypeImageRef:     "UUID",
}

// Valid reports whether t is a member of the closed type set.
func (t DataType) Valid() bool {
	_, ok := sqlTypes[t]
	return ok
}

// SQLType returns the physical column type for t. Callers must validate with
// Valid() before generating DDL; unknown types map to TEXT so a
// forward-compatible read path never panics.
func (t DataType) SQLType() string {
	if s, ok := sqlTypes[t]; ok {
		return s
	}
	return "TEXT"
}

// wideningCasts lists the (from, to) type changes that can never lose data.
// Every change not in this set is treated as narrowing and requires a backup
// before the ALTER runs.
var wideningCasts = map[DataType]map[DataType]bool{
	DataTypeShortText:    {DataTypeLongText: true, DataTypeMultiChoice: true},
	DataTypeSingleChoice: {DataTypeShortText: true, DataTypeLongText: true, DataTypeMultiChoice: true},
	DataTypeDate:         {DataTypeDateTime: true},
	DataTypeFileRef:      {DataTypeImageRef: true},
	DataTypeImageRef:     {DataTypeFileRef: true},
}

// IsNarrowing reports whether changing a column from oldType to newType risks
// losing data. Identical types are never narrowing.
func IsNarrowing(oldType, newType DataType) bool {
	if oldType == newType {
		return false
	}
	return !wideningCasts[oldType][newType]
}

// FieldDefinition is one entry in a form's ordered field list. The ID is the
// stable identity used for diffing; Title is free human text in any script.
// ColumnName is the resolved physical column, empty until materialized.
type FieldDefinition struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	DataType   DataType  `json:"dataType"`
	Required   bool      `json:"required"`
	Order      int       `json:"order"`
	ColumnName string    `json:"columnName,omitempty"`
}

// IsNew reports whether the field was freshly created in the editor and has
// not been assigned a stable identity yet.
func (f FieldDefinition) IsNew() bool {
	return f.ID == uuid.Nil
}

// FormSchema is the versioned, ordered field list of a form or sub-form.
// SubFormID is nil for main forms.
type FormSchema struct {
	FormID    uuid.UUID         `json:"formId"`
	SubFormID *uuid.UUID        `json:"subFormId,omitempty"`
	Title     string            `json:"title"`
	TableName string            `json:"tableName,omitempty"`
	Version   int               `json:"version"`
	Fields    []FieldDefinition `json:"fields"`
}

// FieldByID returns the field with the given id, or nil.
func (s *FormSchema) FieldByID(id uuid.UUID) *FieldDefinition {
	for i := range s.Fields {
		if s.Fields[i].ID == id {
			return &s.Fields[i]
		}
	}
	return nil
}

// IdentifierKind distinguishes table-name from column-name normalization.
type IdentifierKind string

const (
	IdentifierTable  IdentifierKind = "table"
	IdentifierColumn IdentifierKind = "column"
)

// ResolvedIdentifier records the mapping from human text to its SQL-safe name.
type ResolvedIdentifier struct {
	SourceText     string         `json:"sourceText"`
	NormalizedName string         `json:"normalizedName"`
	Kind           IdentifierKind `json:"kind"`
}

// OpKind enumerates the atomic schema operations the differ can emit.
type OpKind string

const (
	OpAddColumn    OpKind = "ADD_COLUMN"
	OpDropColumn   OpKind = "DROP_COLUMN"
	OpRenameColumn OpKind = "RENAME_COLUMN"
	OpChangeType   OpKind = "CHANGE_TYPE"
)

// MigrationOperation is one queued schema change against a single dynamic
// table. Exactly the fields relevant to Kind are set:
//
//	ADD_COLUMN     ColumnName, DataType
//	DROP_COLUMN    ColumnName
//	RENAME_COLUMN  OldName, NewName
//	CHANGE_TYPE    ColumnName, OldType, NewType
type MigrationOperation struct {
	ID         uuid.UUID  `json:"id"`
	Kind       OpKind     `json:"kind"`
	FormID     uuid.UUID  `json:"formId"`
	SubFormID  *uuid.UUID `json:"subFormId,omitempty"`
	FieldID    uuid.UUID  `json:"fieldId"`
	TableName  string     `json:"tableName"`
	ColumnName string     `json:"columnName,omitempty"`
	OldName    string     `json:"oldName,omitempty"`
	NewName    string     `json:"newName,omitempty"`
	DataType   DataType   `json:"dataType,omitempty"`
	OldType    DataType   `json:"oldType,omitempty"`
	NewType    DataType   `json:"newType,omitempty"`
}

// Destructive reports whether the operation must be preceded by a column
// backup before its DDL is allowed to commit.
func (op *MigrationOperation) Destructive() bool {
	switch op.Kind {
	case OpDropColumn:
		return true
	case OpChangeType:
		return IsNarrowing(op.OldType, op.NewType)
	default:
		return false
	}
}

// TargetColumn returns the column the operation touches, post-rename for
// RENAME_COLUMN.
func (op *MigrationOperation) TargetColumn() string {
	if op.Kind == OpRenameColumn {
		return op.NewName
	}
	return op.ColumnName
}

// MigrationStatus is the queue lifecycle of one operation.
type MigrationStatus string

const (
	MigrationPending   MigrationStatus = "pending"
	MigrationRunning   MigrationStatus = "running"
	MigrationApplied   MigrationStatus = "applied"
	MigrationFailed    MigrationStatus = "failed"
	MigrationDead      MigrationStatus = "dead"
	MigrationCancelled MigrationStatus = "cancelled"
)

// Terminal reports whether the status ends the operation's lifecycle.
func (s MigrationStatus) Terminal() bool {
	return s == MigrationApplied || s == MigrationCancelled
}

// MigrationRecord is the immutable audit entry written once per terminal
// attempt of a migration operation.
type MigrationRecord struct {
	ID           uuid.UUID  `json:"id"`
	FormID       uuid.UUID  `json:"formId"`
	SubFormID    *uuid.UUID `json:"subFormId,omitempty"`
	Kind         OpKind     `json:"kind"`
	TableName    string     `json:"tableName"`
	ColumnName   string     `json:"columnName"`
	OldValue     string     `json:"oldValue,omitempty"`
	NewValue     string     `json:"newValue,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	BackupRef    string     `json:"backupRef,omitempty"`
	AppliedAt    time.Time  `json:"appliedAt"`
	AppliedBy    string     `json:"appliedBy"`
}

// ColumnBackup is one stored column snapshot taken before a destructive
// operation. Payload is a JSONB array of {row_id, value} objects.
type ColumnBackup struct {
	Ref        string    `json:"ref"`
	TableName  string    `json:"tableName"`
	ColumnName string    `json:"columnName"`
	BackedUpAt time.Time `json:"backedUpAt"`
	Payload    []byte    `json:"payload"`
	RowCount   int64     `json:"rowCount"`
}

// DeletionAudit carries the actor context for a dynamic-table drop. Row count
// and backup flag are filled in by the materializer before the drop commits.
type DeletionAudit struct {
	FormID      uuid.UUID  `json:"formId"`
	SubFormID   *uuid.UUID `json:"subFormId,omitempty"`
	DeletedBy   string     `json:"deletedBy"`
	SnapshotRef string     `json:"snapshotRef,omitempty"`
}

// QueueStatus aggregates the queue state for one form across all its tables.
type QueueStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
}

// Submission is one main-form row to insert. Values are keyed by field id, so
// submissions written against an older form version tolerate schema drift.
type Submission struct {
	RowID       uuid.UUID         `json:"rowId"`
	SubmittedBy string            `json:"submittedBy"`
	SubmittedAt time.Time         `json:"submittedAt"`
	Values      map[uuid.UUID]any `json:"values"`
}

// SubSubmission is one sub-form row. MainFormRowID is redundant with ParentID
// for one-level nesting and must always equal it.
type SubSubmission struct {
	Submission
	ParentID      uuid.UUID `json:"parentId"`
	MainFormRowID uuid.UUID `json:"mainFormRowId"`
	Order         int       `json:"order"`
}

// DynamicRow is one physical row read back from a dynamic table. Values are
// keyed by resolved column name.
type DynamicRow struct {
	ID            uuid.UUID      `json:"id"`
	SubmittedBy   string         `json:"submittedBy"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	ParentID      *uuid.UUID     `json:"parentId,omitempty"`
	MainFormRowID *uuid.UUID     `json:"mainFormRowId,omitempty"`
	Order         *int           `json:"order,omitempty"`
	Values        map[string]any `json:"values"`
}

// FilterType defines supported row filter operations.
type FilterType string

const (
	FilterEquals      FilterType = "equals"
	FilterNotEquals   FilterType = "not_equals"
	FilterContains    FilterType = "contains"
	FilterGreaterThan FilterType = "gt"
	FilterLessThan    FilterType = "lt"
	FilterGreaterEq   FilterType = "gte"
	FilterLessEq      FilterType = "lte"
	FilterIn          FilterType = "in"
)

// SortOrder defines sort direction.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// RowFilter restricts a readRows call to rows matching one column predicate.
type RowFilter struct {
	Column string     `json:"column"`
	Type   FilterType `json:"type"`
	Value  any        `json:"value"`
}

// ReadOptions shapes a readRows call.
type ReadOptions struct {
	Filters   []RowFilter `json:"filters,omitempty"`
	OrderBy   string      `json:"orderBy,omitempty"`
	SortOrder SortOrder   `json:"sortOrder,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}
