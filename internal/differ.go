package internal

import (
	"github.com/google/uuid"

	"github.com/qcollector/dynatable"
)

// Diff computes the ordered list of schema operations that transform the old
// field list into the new one. Field identity is the field id, never the
// title: a retitled field diffs to a rename, while a deleted-and-recreated
// field of the same shape diffs to a drop plus an add.
//
// Both snapshots must carry resolved column names. Operations are emitted in
// a fixed order (adds, drops, renames, type changes) so equal inputs always
// produce equal output, and a rename always precedes a type change on the
// same field so the type change targets the post-rename column.
func Diff(oldSchema, newSchema *dynatable.FormSchema) []dynatable.MigrationOperation {
	var ops []dynatable.MigrationOperation

	oldByID := make(map[uuid.UUID]*dynatable.FieldDefinition, len(oldSchema.Fields))
	for i := range oldSchema.Fields {
		f := &oldSchema.Fields[i]
		oldByID[f.ID] = f
	}

	for i := range newSchema.Fields {
		f := &newSchema.Fields[i]
		if f.IsNew() {
			ops = append(ops, newOp(newSchema, dynatable.MigrationOperation{
				Kind:       dynatable.OpAddColumn,
				ColumnName: f.ColumnName,
				DataType:   f.DataType,
			}))
			continue
		}
		if _, ok := oldByID[f.ID]; !ok {
			// An id unknown to the previous snapshot means the field moved in
			// from another scope; in this table it is simply a new column.
			op := newOp(newSchema, dynatable.MigrationOperation{
				Kind:       dynatable.OpAddColumn,
				ColumnName: f.ColumnName,
				DataType:   f.DataType,
			})
			op.FieldID = f.ID
			ops = append(ops, op)
		}
	}

	for i := range oldSchema.Fields {
		f := &oldSchema.Fields[i]
		if newSchema.FieldByID(f.ID) == nil {
			op := newOp(newSchema, dynatable.MigrationOperation{
				Kind:       dynatable.OpDropColumn,
				ColumnName: f.ColumnName,
			})
			op.FieldID = f.ID
			ops = append(ops, op)
		}
	}

	for i := range newSchema.Fields {
		f := &newSchema.Fields[i]
		old, ok := oldByID[f.ID]
		if !ok || f.IsNew() {
			continue
		}
		if old.ColumnName != f.ColumnName {
			op := newOp(newSchema, dynatable.MigrationOperation{
				Kind:    dynatable.OpRenameColumn,
				OldName: old.ColumnName,
				NewName: f.ColumnName,
			})
			op.FieldID = f.ID
			ops = append(ops, op)
		}
	}

	for i := range newSchema.Fields {
		f := &newSchema.Fields[i]
		old, ok := oldByID[f.ID]
		if !ok || f.IsNew() {
			continue
		}
		if old.DataType != f.DataType {
			op := newOp(newSchema, dynatable.MigrationOperation{
				Kind:       dynatable.OpChangeType,
				ColumnName: f.ColumnName,
				OldType:    old.DataType,
				NewType:    f.DataType,
			})
			op.FieldID = f.ID
			ops = append(ops, op)
		}
	}

	return ops
}

func newOp(schema *dynatable.FormSchema, op dynatable.MigrationOperation) dynatable.MigrationOperation {
	op.ID = uuid.New()
	op.FormID = schema.FormID
	op.SubFormID = schema.SubFormID
	op.TableName = schema.TableName
	return op
}
