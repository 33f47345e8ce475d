package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/qcollector/dynatable"
)

// InsertRow writes one main-form submission. Values are keyed by field id;
// ids the schema no longer knows are dropped silently so submissions written
// against an older form version still land.
func (m *PGMaterializer) InsertRow(ctx context.Context, schema *dynatable.FormSchema, sub *dynatable.Submission) error {
	if schema == nil || sub == nil {
		return dynatable.NewValidationError("schema and submission are required")
	}
	if sub.RowID == uuid.Nil {
		return dynatable.NewValidationError("submission row id is required")
	}

	columns := []string{"id", "submitted_by", "submitted_at"}
	args := []any{sub.RowID, sub.SubmittedBy, sub.SubmittedAt.UTC()}

	fieldCols, fieldArgs, err := m.fieldValues(schema, sub.Values)
	if err != nil {
		return err
	}
	columns = append(columns, fieldCols...)
	args = append(args, fieldArgs...)

	if _, err := m.pool.Exec(ctx, insertStatement(schema.TableName, columns), args...); err != nil {
		return mapPgError(err, schema.TableName, "")
	}
	return nil
}

// InsertSubRow writes one sub-form row. For one-level nesting the parent row
// is the main-form row, so mainFormRowId must equal parentId; a divergent
// value is rejected rather than stored.
func (m *PGMaterializer) InsertSubRow(ctx context.Context, schema *dynatable.FormSchema, sub *dynatable.SubSubmission) error {
	if schema == nil || sub == nil {
		return dynatable.NewValidationError("schema and submission are required")
	}
	if sub.RowID == uuid.Nil {
		return dynatable.NewValidationError("submission row id is required")
	}
	if sub.ParentID == uuid.Nil {
		return dynatable.NewValidationError("sub-form row requires a parent id")
	}
	if sub.MainFormRowID == uuid.Nil {
		sub.MainFormRowID = sub.ParentID
	}
	if sub.MainFormRowID != sub.ParentID {
		return dynatable.NewValidationError("mainFormRowId must equal parentId").
			WithDetail("parentId", sub.ParentID.String()).
			WithDetail("mainFormRowId", sub.MainFormRowID.String())
	}

	columns := []string{"id", "parent_id", "main_form_row_id", "row_order", "submitted_by", "submitted_at"}
	args := []any{sub.RowID, sub.ParentID, sub.MainFormRowID, sub.Order, sub.SubmittedBy, sub.SubmittedAt.UTC()}

	fieldCols, fieldArgs, err := m.fieldValues(schema, sub.Values)
	if err != nil {
		return err
	}
	columns = append(columns, fieldCols...)
	args = append(args, fieldArgs...)

	if _, err := m.pool.Exec(ctx, insertStatement(schema.TableName, columns), args...); err != nil {
		return mapPgError(err, schema.TableName, "")
	}
	return nil
}

func insertStatement(table string, columns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", sanitizeIdentifier(table))
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sanitizeIdentifier(col))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// fieldValues maps submission values onto resolved columns in schema field
// order. Fields without a submitted value are omitted from the insert.
func (m *PGMaterializer) fieldValues(schema *dynatable.FormSchema, values map[uuid.UUID]any) ([]string, []any, error) {
	var columns []string
	var args []any
	for i := range schema.Fields {
		f := &schema.Fields[i]
		raw, ok := values[f.ID]
		if !ok {
			continue
		}
		coerced, err := coerceValue(f, raw)
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, f.ColumnName)
		args = append(args, coerced)
	}
	return columns, args, nil
}

// coerceValue shapes a submitted value to its column type. File and image
// references arriving as arrays keep only the first identifier; any other
// compound value is stored as canonical JSON text.
func coerceValue(f *dynatable.FieldDefinition, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch f.DataType {
	case dynatable.DataTypeFileRef, dynatable.DataTypeImageRef:
		value := raw
		if list, ok := raw.([]any); ok {
			if len(list) == 0 {
				return nil, nil
			}
			value = list[0]
		}
		id, ok := toUUID(value)
		if !ok {
			return nil, dynatable.NewTypeCoercionError(f.ColumnName,
				fmt.Sprintf("value %v is not a file reference", value))
		}
		return id, nil
	}

	switch v := raw.(type) {
	case []any, map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, dynatable.NewTypeCoercionError(f.ColumnName, "value is not JSON-encodable").
				WithCause(err)
		}
		return string(encoded), nil
	default:
		return raw, nil
	}
}

// ReadRows reads rows back from a dynamic table. Filter and order columns
// are validated against the schema so callers can never smuggle SQL through
// a column name.
func (m *PGMaterializer) ReadRows(ctx context.Context, schema *dynatable.FormSchema, opts *dynatable.ReadOptions) ([]dynatable.DynamicRow, error) {
	if schema == nil || schema.TableName == "" {
		return nil, dynatable.NewValidationError("schema with a resolved table name is required")
	}
	if opts == nil {
		opts = &dynatable.ReadOptions{}
	}

	isSub := schema.SubFormID != nil
	columns := []string{"id", "submitted_by", "submitted_at"}
	if isSub {
		columns = append(columns, "parent_id", "main_form_row_id", "row_order")
	}
	systemCount := len(columns)
	for i := range schema.Fields {
		columns = append(columns, schema.Fields[i].ColumnName)
	}

	allowed := make(map[string]bool, len(columns))
	for _, col := range columns {
		allowed[col] = true
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sanitizeIdentifier(col))
	}
	fmt.Fprintf(&b, " FROM %s", sanitizeIdentifier(schema.TableName))

	args, err := appendFilterClauses(&b, opts.Filters, allowed)
	if err != nil {
		return nil, err
	}

	if opts.OrderBy != "" {
		if !allowed[opts.OrderBy] {
			return nil, dynatable.NewColumnNotFoundError(schema.TableName, opts.OrderBy)
		}
		direction := "ASC"
		if opts.SortOrder == dynatable.SortOrderDesc {
			direction = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", sanitizeIdentifier(opts.OrderBy), direction)
	} else if isSub {
		b.WriteString(" ORDER BY row_order ASC")
	} else {
		b.WriteString(" ORDER BY submitted_at DESC")
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
	}

	rows, err := m.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, mapPgError(err, schema.TableName, "")
	}
	defer rows.Close()

	var out []dynatable.DynamicRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row, err := buildDynamicRow(columns, systemCount, isSub, values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, schema.TableName, "")
	}
	return out, nil
}

func appendFilterClauses(b *strings.Builder, filters []dynatable.RowFilter, allowed map[string]bool) ([]any, error) {
	var args []any
	for i, f := range filters {
		if !allowed[f.Column] {
			return nil, dynatable.NewValidationError("filter references unknown column").
				WithColumn(f.Column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		column := sanitizeIdentifier(f.Column)
		switch f.Type {
		case dynatable.FilterEquals, "":
			fmt.Fprintf(b, "%s = $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterNotEquals:
			fmt.Fprintf(b, "%s <> $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterContains:
			fmt.Fprintf(b, "%s::text ILIKE $%d", column, len(args)+1)
			args = append(args, "%"+fmt.Sprint(f.Value)+"%")
		case dynatable.FilterGreaterThan:
			fmt.Fprintf(b, "%s > $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterLessThan:
			fmt.Fprintf(b, "%s < $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterGreaterEq:
			fmt.Fprintf(b, "%s >= $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterLessEq:
			fmt.Fprintf(b, "%s <= $%d", column, len(args)+1)
			args = append(args, f.Value)
		case dynatable.FilterIn:
			fmt.Fprintf(b, "%s = ANY($%d)", column, len(args)+1)
			args = append(args, f.Value)
		default:
			return nil, dynatable.NewValidationError(
				fmt.Sprintf("unsupported filter type %q", f.Type))
		}
	}
	return args, nil
}

func buildDynamicRow(columns []string, systemCount int, isSub bool, values []any) (dynatable.DynamicRow, error) {
	var row dynatable.DynamicRow

	id, ok := toUUID(values[0])
	if !ok {
		return row, fmt.Errorf("row id is not a uuid: %v", values[0])
	}
	row.ID = id
	if s, ok := values[1].(string); ok {
		row.SubmittedBy = s
	}
	if ts, ok := asTime(values[2]); ok {
		row.SubmittedAt = ts
	}

	if isSub {
		if parent, ok := toUUID(values[3]); ok {
			row.ParentID = &parent
		}
		if main, ok := toUUID(values[4]); ok {
			row.MainFormRowID = &main
		}
		if order, ok := asInt(values[5]); ok {
			row.Order = &order
		}
	}

	row.Values = make(map[string]any, len(columns)-systemCount)
	for i := systemCount; i < len(columns); i++ {
		row.Values[columns[i]] = values[i]
	}
	return row, nil
}
