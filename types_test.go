package dynatable

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeMappingIsClosed(t *testing.T) {
	all := []DataType{
		DataTypeShortText, DataTypeLongText, DataTypeNumber, DataTypeDate,
		DataTypeDateTime, DataTypeBoolean, DataTypeSingleChoice,
		DataTypeMultiChoice, DataTypeFileRef, DataTypeImageRef,
	}
	require.Len(t, sqlTypes, len(all))
	for _, dt := range all {
		assert.True(t, dt.Valid(), "type %s must be in the mapping table", dt)
		assert.NotEmpty(t, dt.SQLType())
	}
	assert.False(t, DataType("geo_point").Valid())
	assert.Equal(t, "TEXT", DataType("geo_point").SQLType())
}

func TestIsNarrowing(t *testing.T) {
	assert.False(t, IsNarrowing(DataTypeShortText, DataTypeShortText))
	assert.False(t, IsNarrowing(DataTypeShortText, DataTypeLongText))
	assert.False(t, IsNarrowing(DataTypeDate, DataTypeDateTime))
	assert.False(t, IsNarrowing(DataTypeFileRef, DataTypeImageRef))

	assert.True(t, IsNarrowing(DataTypeLongText, DataTypeShortText))
	assert.True(t, IsNarrowing(DataTypeDateTime, DataTypeDate))
	assert.True(t, IsNarrowing(DataTypeLongText, DataTypeNumber))
	assert.True(t, IsNarrowing(DataTypeNumber, DataTypeBoolean))
}

func TestOperationDestructive(t *testing.T) {
	drop := &MigrationOperation{Kind: OpDropColumn, ColumnName: "age"}
	assert.True(t, drop.Destructive())

	widen := &MigrationOperation{Kind: OpChangeType, OldType: DataTypeShortText, NewType: DataTypeLongText}
	assert.False(t, widen.Destructive())

	narrow := &MigrationOperation{Kind: OpChangeType, OldType: DataTypeLongText, NewType: DataTypeNumber}
	assert.True(t, narrow.Destructive())

	add := &MigrationOperation{Kind: OpAddColumn, ColumnName: "age", DataType: DataTypeNumber}
	assert.False(t, add.Destructive())
}

func TestOperationTargetColumn(t *testing.T) {
	rename := &MigrationOperation{Kind: OpRenameColumn, OldName: "name", NewName: "full_name"}
	assert.Equal(t, "full_name", rename.TargetColumn())

	change := &MigrationOperation{Kind: OpChangeType, ColumnName: "full_name"}
	assert.Equal(t, "full_name", change.TargetColumn())
}

func TestFormSchemaFieldByID(t *testing.T) {
	id := uuid.New()
	s := &FormSchema{Fields: []FieldDefinition{
		{ID: uuid.New(), Title: "A"},
		{ID: id, Title: "B"},
	}}
	require.NotNil(t, s.FieldByID(id))
	assert.Equal(t, "B", s.FieldByID(id).Title)
	assert.Nil(t, s.FieldByID(uuid.New()))
}

func TestFieldIsNew(t *testing.T) {
	assert.True(t, FieldDefinition{}.IsNew())
	assert.False(t, FieldDefinition{ID: uuid.New()}.IsNew())
}

func TestMigrationStatusTerminal(t *testing.T) {
	assert.True(t, MigrationApplied.Terminal())
	assert.True(t, MigrationCancelled.Terminal())
	assert.False(t, MigrationPending.Terminal())
	assert.False(t, MigrationFailed.Terminal())
	assert.False(t, MigrationDead.Terminal())
}
