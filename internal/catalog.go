package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

type catalogPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGCatalog answers table/column existence questions from information_schema.
// It is queried fresh per operation rather than cached: the catalog is the one
// shared mutable resource under the migration queue and a stale answer here
// would defeat the queue's ordering guarantees.
type PGCatalog struct {
	pool   catalogPool
	schema string
}

func NewPGCatalog(pool catalogPool) *PGCatalog {
	return &PGCatalog{pool: pool, schema: "public"}
}

func (c *PGCatalog) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, c.schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table existence: %w", err)
	}
	return exists, nil
}

func (c *PGCatalog) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		)`, c.schema, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check column existence: %w", err)
	}
	return exists, nil
}

func (c *PGCatalog) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, c.schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// MemCatalog is an in-memory catalog for tests. Mutations mirror what the
// corresponding DDL would do.
type MemCatalog struct {
	mu     sync.RWMutex
	tables map[string][]string
}

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{tables: make(map[string][]string)}
}

func (c *MemCatalog) TableExists(_ context.Context, table string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[table]
	return ok, nil
}

func (c *MemCatalog) ColumnExists(_ context.Context, table, column string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, col := range c.tables[table] {
		if col == column {
			return true, nil
		}
	}
	return false, nil
}

func (c *MemCatalog) Columns(_ context.Context, table string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols := c.tables[table]
	out := make([]string, len(cols))
	copy(out, cols)
	return out, nil
}

func (c *MemCatalog) AddTable(table string, columns ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = append([]string{}, columns...)
}

func (c *MemCatalog) DropTable(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, table)
}

func (c *MemCatalog) AddColumn(table, column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = append(c.tables[table], column)
}

func (c *MemCatalog) DropColumn(table, column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols := c.tables[table]
	for i, col := range cols {
		if col == column {
			c.tables[table] = append(cols[:i], cols[i+1:]...)
			return
		}
	}
}

func (c *MemCatalog) RenameColumn(table, oldName, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols := c.tables[table]
	for i, col := range cols {
		if col == oldName {
			cols[i] = newName
			return
		}
	}
}
