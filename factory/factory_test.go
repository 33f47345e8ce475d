package factory

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/dynatable"
)

type stubTranslator struct{}

func (stubTranslator) Translate(ctx context.Context, text string) (string, error) {
	return text, nil
}

func withTableCollector(t *testing.T, collector func(queryPool) ([]string, error)) {
	t.Helper()
	original := tableCollector
	tableCollector = collector
	t.Cleanup(func() {
		tableCollector = original
	})
}

func allEngineTables() []string {
	return []string{
		"migration_queue",
		"field_migrations",
		"table_deletion_logs",
		"field_data_backups",
		"form_fields",
	}
}

func TestCollectTablesFromPool_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT table_name FROM information_schema.tables`).WillReturnError(assert.AnError)

	_, err = collectTablesFromPool(mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to verify database connection")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectTablesFromPool_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"table_name"}).
		AddRow("migration_queue").
		AddRow("form_fields")
	mock.ExpectQuery(`SELECT table_name FROM information_schema.tables`).WillReturnRows(rows)

	tables, err := collectTablesFromPool(mock)
	require.NoError(t, err)
	assert.Contains(t, tables, "migration_queue")
	assert.Contains(t, tables, "form_fields")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewComponentsWithConfig_TableCollectorError(t *testing.T) {
	withTableCollector(t, func(pool queryPool) ([]string, error) {
		return nil, assert.AnError
	})

	components, err := NewComponentsWithConfig(context.Background(), dynatable.DefaultConfig(), nil, nil)

	assert.Nil(t, components)
	assert.Error(t, err)
}

func TestNewComponentsWithConfig_MissingRequiredTables(t *testing.T) {
	withTableCollector(t, func(pool queryPool) ([]string, error) {
		return []string{"migration_queue", "form_fields"}, nil
	})

	components, err := NewComponentsWithConfig(context.Background(), dynatable.DefaultConfig(), nil, nil)

	assert.Nil(t, components)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "is missing in the database")
}

func TestNewComponentsWithConfig_InvalidConfig(t *testing.T) {
	config := dynatable.DefaultConfig()
	config.Queue.Workers = 0

	components, err := NewComponentsWithConfig(context.Background(), config, nil, nil)

	assert.Nil(t, components)
	assert.Error(t, err)
}

func TestNewComponentsWithConfig_Success(t *testing.T) {
	withTableCollector(t, func(pool queryPool) ([]string, error) {
		return allEngineTables(), nil
	})

	components, err := NewComponentsWithConfig(context.Background(), dynatable.DefaultConfig(), nil,
		&Overrides{Translator: stubTranslator{}})

	require.NoError(t, err)
	require.NotNil(t, components)
	assert.NotNil(t, components.Engine)
	assert.NotNil(t, components.Workers)
	assert.NotNil(t, components.Queue)
	assert.Nil(t, components.Archiver, "archiver is only built when archive is enabled")
}
