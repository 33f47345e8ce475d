package internal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/dynatable"
)

func TestSubmissionValidator(t *testing.T) {
	schema := mainSchema()
	schema.Fields[0].Required = true

	v, err := NewSubmissionValidator(schema)
	require.NoError(t, err)

	err = v.Validate(map[uuid.UUID]any{
		uuid.MustParse(fid1): "Somchai",
		uuid.MustParse(fid2): 42,
	})
	assert.NoError(t, err)

	// Required field missing.
	err = v.Validate(map[uuid.UUID]any{uuid.MustParse(fid2): 42})
	require.Error(t, err)
	assert.Equal(t, dynatable.ErrCodeValidationFailed, dynatable.CodeOf(err))

	// Wrong type for a boolean-free text field.
	err = v.Validate(map[uuid.UUID]any{
		uuid.MustParse(fid1): true,
	})
	require.Error(t, err)

	// Unknown keys tolerated, mirroring the insert path's drift handling.
	err = v.Validate(map[uuid.UUID]any{
		uuid.MustParse(fid1): "Somchai",
		uuid.New():           "stale",
	})
	assert.NoError(t, err)
}

func TestSubmissionValidatorReferenceShapes(t *testing.T) {
	fileField := uuid.New()
	schema := &dynatable.FormSchema{
		FormID:    uuid.New(),
		TableName: "docs",
		Fields: []dynatable.FieldDefinition{
			{ID: fileField, Title: "Attachment", ColumnName: "attachment", DataType: dynatable.DataTypeFileRef},
		},
	}
	v, err := NewSubmissionValidator(schema)
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[uuid.UUID]any{fileField: uuid.New().String()}))
	assert.NoError(t, v.Validate(map[uuid.UUID]any{fileField: []any{uuid.New().String()}}))
	assert.Error(t, v.Validate(map[uuid.UUID]any{fileField: 12}))
}
