package factory

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
	"github.com/qcollector/dynatable/internal"
	"github.com/qcollector/dynatable/internal/archive"
)

// Overrides lets callers substitute collaborators the factory would otherwise
// build from config: a custom translator, an alert sink wired to a paging
// pipeline, or a snapshot exporter. Nil fields get the defaults.
type Overrides struct {
	Translator dynatable.Translator
	Alerts     dynatable.AlertSink
	Snapshots  internal.TableSnapshotter
}

// Components is everything a deployment needs: the engine for request
// handling, the worker pool for draining migrations, and the optional
// archiver for shipping backups to S3.
type Components struct {
	Engine   *internal.Engine
	Workers  *internal.WorkerPool
	Queue    *internal.DBQueue
	Archiver *archive.Archiver
}

type queryPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tableCollector is swappable in tests.
var tableCollector = collectTablesFromPool

func collectTablesFromPool(pool queryPool) ([]string, error) {
	rows, err := pool.Query(context.Background(), `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE';`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tables, nil
}

func requiredTables(names dynatable.TableNames) []string {
	return []string{
		names.MigrationQueue,
		names.FieldMigrations,
		names.DeletionLogs,
		names.FieldDataBackups,
		names.FormFields,
	}
}

// NewComponentsWithConfig assembles the engine, worker pool and (when archive
// is enabled) the S3 archiver from the provided configuration and pool. This
// is the primary way for external projects to create an engine instance.
//
// Usage:
//
//	config := dynatable.DefaultConfig()
//	components, err := factory.NewComponentsWithConfig(ctx, config, pool, nil)
//	if err != nil {
//	    // handle error
//	}
//	engine := components.Engine
//	go components.Workers.Run(ctx)
func NewComponentsWithConfig(ctx context.Context, config *dynatable.Config, pool *pgxpool.Pool, overrides *Overrides) (*Components, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := zap.L()

	tables, err := tableCollector(pool)
	if err != nil {
		return nil, err
	}
	for _, required := range requiredTables(config.Database.TableNames) {
		if !slices.Contains(tables, required) {
			return nil, fmt.Errorf("required table %q is missing in the database (run init-db first)", required)
		}
	}

	if overrides == nil {
		overrides = &Overrides{}
	}
	translator := overrides.Translator
	if translator == nil {
		translator = internal.NewArgosTranslator(config.Translation, logger)
	}
	alerts := overrides.Alerts
	if alerts == nil {
		alerts = internal.NewLogAlertSink(logger)
	}

	var archiver *archive.Archiver
	snapshots := overrides.Snapshots
	if config.Archive.Enabled {
		if snapshots == nil {
			exporter, err := archive.NewSnapshotExporter(ctx, config,
				os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), logger)
			if err != nil {
				return nil, fmt.Errorf("new snapshot exporter: %w", err)
			}
			snapshots = exporter
		}
		archiver, err = archive.NewArchiver(ctx, config, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("new archiver: %w", err)
		}
	}

	catalog := internal.NewPGCatalog(pool)
	backups := internal.NewBackupStore(config.Database.TableNames.FieldDataBackups)
	materializer := internal.NewPGMaterializer(pool, catalog, backups,
		config.Database.TableNames, config.Queue.DDLTimeout, logger)
	queue := internal.NewDBQueue(pool, config.Database.TableNames)
	records := internal.NewRecordStore(pool, config.Database.TableNames)
	normalizer := internal.NewNormalizer(translator, config.Normalizer, logger)

	engine := internal.NewEngine(normalizer, materializer, queue, catalog,
		records, alerts, snapshots, logger)
	workers := internal.NewWorkerPool(queue, materializer, records, alerts,
		config.Queue, logger)

	return &Components{
		Engine:   engine,
		Workers:  workers,
		Queue:    queue,
		Archiver: archiver,
	}, nil
}
