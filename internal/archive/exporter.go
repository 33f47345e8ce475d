package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

// SnapshotExporter exports whole-table parquet snapshots to S3 through an
// embedded DuckDB instance. DuckDB reads the table over postgres_scan and
// streams the result straight to the object store, so snapshots of large
// tables never pass through this process's heap.
type SnapshotExporter struct {
	duck    *sql.DB
	pg      *sql.DB
	pgConn  string
	bucket  string
	prefix  string
	logger  *zap.Logger
	timeout time.Duration
}

// NewSnapshotExporter opens a DuckDB connection, loads the httpfs, parquet
// and postgres_scanner extensions and points it at the configured bucket.
func NewSnapshotExporter(ctx context.Context, cfg *dynatable.Config, s3AccessKey, s3Secret string, logger *zap.Logger) (*SnapshotExporter, error) {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("archive bucket cannot be empty")
	}

	duck, err := sql.Open("duckdb", cfg.Archive.DuckDBPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		fmt.Sprintf("PRAGMA memory_limit='%dMB';", cfg.Archive.DuckDBMemoryMB),
		fmt.Sprintf("PRAGMA threads=%d;", cfg.Archive.DuckDBThreads),
	}
	for _, p := range pragmas {
		if _, err := duck.ExecContext(ctx2, p); err != nil {
			logger.Sugar().Warnw("duckdb pragma failed", "pragma", p, "err", err)
		}
	}
	for _, e := range []string{"httpfs", "parquet", "postgres_scanner"} {
		if _, err := duck.ExecContext(ctx2, "INSTALL "+e+";"); err != nil {
			logger.Sugar().Warnw("duckdb install extension failed", "ext", e, "err", err)
		} else if _, err := duck.ExecContext(ctx2, "LOAD "+e+";"); err != nil {
			logger.Sugar().Warnw("duckdb load extension failed", "ext", e, "err", err)
		}
	}
	if s3AccessKey != "" {
		if _, err := duck.ExecContext(ctx2, fmt.Sprintf("SET s3_access_key_id='%s';", s3AccessKey)); err != nil {
			logger.Sugar().Warnw("duckdb set s3_access_key_id failed", "err", err)
		}
	}
	if s3Secret != "" {
		if _, err := duck.ExecContext(ctx2, fmt.Sprintf("SET s3_secret_access_key='%s';", s3Secret)); err != nil {
			logger.Sugar().Warnw("duckdb set s3_secret_access_key failed", "err", err)
		}
	}
	if cfg.Archive.Region != "" {
		if _, err := duck.ExecContext(ctx2, fmt.Sprintf("SET s3_region='%s';", cfg.Archive.Region)); err != nil {
			logger.Sugar().Warnw("duckdb set s3_region failed", "err", err)
		}
	}
	if cfg.Archive.Endpoint != "" {
		ep := strings.TrimPrefix(cfg.Archive.Endpoint, "http://")
		if _, err := duck.ExecContext(ctx2, fmt.Sprintf("SET s3_endpoint='%s';", ep)); err != nil {
			logger.Sugar().Warnw("duckdb set s3_endpoint failed", "err", err)
		}
		if _, err := duck.ExecContext(ctx2, "SET s3_use_ssl=false;"); err != nil {
			logger.Sugar().Warnw("duckdb set s3_use_ssl failed", "err", err)
		}
		if _, err := duck.ExecContext(ctx2, "SET s3_url_style='path';"); err != nil {
			logger.Sugar().Warnw("duckdb set s3_url_style failed", "err", err)
		}
	}

	pgPassword := cfg.Database.Password
	if cfg.Archive.UseIAMAuth {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			duck.Close()
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if cfg.Archive.Region != "" {
			awsCfg.Region = cfg.Archive.Region
		}
		pgPassword = resolvePGPassword(ctx, cfg.Database, true, awsCfg.Region, awsCfg.Credentials, logger)
	}
	pgConn := pgConnString(cfg.Database, pgPassword)
	pg, err := sql.Open("postgres", pgConn)
	if err != nil {
		duck.Close()
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.PingContext(ctx2); err != nil {
		logger.Sugar().Warnw("postgres preflight ping failed", "err", err)
	}

	return &SnapshotExporter{
		duck:    duck,
		pg:      pg,
		pgConn:  pgConn,
		bucket:  cfg.Archive.Bucket,
		prefix:  strings.TrimSuffix(cfg.Archive.Prefix, "/"),
		logger:  logger,
		timeout: 30 * time.Minute,
	}, nil
}

func pgConnString(db dynatable.DatabaseConfig, password string) string {
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, password, db.Database, sslMode)
}

// snapshotSQL builds the COPY statement. Single quotes in the connection
// string and destination path are doubled before embedding.
func snapshotSQL(pgConn, table, dest string) string {
	pgEsc := strings.ReplaceAll(pgConn, "'", "''")
	tableEsc := strings.ReplaceAll(table, "'", "''")
	destEsc := strings.ReplaceAll(dest, "'", "''")
	return fmt.Sprintf(
		"COPY (SELECT * FROM postgres_scan('%s', 'public', '%s')) TO '%s' (FORMAT PARQUET, COMPRESSION 'ZSTD');",
		pgEsc, tableEsc, destEsc)
}

// SnapshotTable exports the whole table as a parquet object and returns its
// key within the bucket.
func (e *SnapshotExporter) SnapshotTable(ctx context.Context, tableName string) (string, error) {
	if tableName == "" {
		return "", fmt.Errorf("table name cannot be empty")
	}

	var rowCount int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, strings.ReplaceAll(tableName, `"`, `""`))
	if err := e.pg.QueryRowContext(ctx, countQuery).Scan(&rowCount); err != nil {
		return "", fmt.Errorf("count rows of %s: %w", tableName, err)
	}

	key := fmt.Sprintf("%s/snapshots/%s/%s.parquet", e.prefix, tableName, uuid.Must(uuid.NewV7()).String())
	dest := fmt.Sprintf("s3://%s/%s", e.bucket, key)
	query := snapshotSQL(e.pgConn, tableName, dest)

	ctx2, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if _, err := e.duck.ExecContext(ctx2, query); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", tableName, err)
	}
	e.logger.Info("table snapshot exported",
		zap.String("table", tableName),
		zap.Int64("rows", rowCount),
		zap.String("key", key))
	return key, nil
}

func (e *SnapshotExporter) Close() error {
	if e.pg != nil {
		e.pg.Close()
	}
	return e.duck.Close()
}
