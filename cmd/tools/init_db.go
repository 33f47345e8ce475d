package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type initDBOptions struct {
	host         string
	port         int
	database     string
	user         string
	password     string
	sslMode      string
	queueTable   string
	migrations   string
	deletionLogs string
	backups      string
	formFields   string
}

func runInitDB(args []string) error {
	flags := flag.NewFlagSet("init-db", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: dynatable-tools init-db [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := initDBOptions{}
	flags.StringVar(&opts.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", "dynatable"), "database name")
	flags.StringVar(&opts.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.StringVar(&opts.queueTable, "queue-table", getenvDefault("QUEUE_TABLE", "migration_queue"), "migration queue table name")
	flags.StringVar(&opts.migrations, "migrations-table", getenvDefault("MIGRATIONS_TABLE", "field_migrations"), "migration record table name")
	flags.StringVar(&opts.deletionLogs, "deletion-logs-table", getenvDefault("DELETION_LOGS_TABLE", "table_deletion_logs"), "table deletion log table name")
	flags.StringVar(&opts.backups, "backups-table", getenvDefault("BACKUPS_TABLE", "field_data_backups"), "column backup table name")
	flags.StringVar(&opts.formFields, "form-fields-table", getenvDefault("FORM_FIELDS_TABLE", "form_fields"), "field metadata table name")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return initDatabase(opts)
}

func initDatabase(opts initDBOptions) error {
	ctx := context.Background()

	connString := buildConnString(opts)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := withTx(ctx, conn, func(tx pgx.Tx) error {
		return ensureTables(ctx, tx, opts)
	}); err != nil {
		return err
	}

	fmt.Println("Database initialized successfully.")
	return nil
}

func buildConnString(opts initDBOptions) string {
	hostPort := fmt.Sprintf("%s:%d", opts.host, opts.port)

	var userInfo *url.Userinfo
	if opts.password != "" {
		userInfo = url.UserPassword(opts.user, opts.password)
	} else {
		userInfo = url.User(opts.user)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   hostPort,
		Path:   "/" + opts.database,
	}

	q := url.Values{}
	if opts.sslMode != "" {
		q.Set("sslmode", opts.sslMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func ensureTables(ctx context.Context, tx pgx.Tx, opts initDBOptions) error {
	queueTable := quoteIdentifier(opts.queueTable)
	migrations := quoteIdentifier(opts.migrations)
	deletionLogs := quoteIdentifier(opts.deletionLogs)
	backups := quoteIdentifier(opts.backups)
	formFields := quoteIdentifier(opts.formFields)

	ddlQueue := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id               BIGSERIAL PRIMARY KEY,
		op               JSONB NOT NULL,
		form_id          UUID NOT NULL,
		sub_form_id      UUID,
		table_name       TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		attempts         INTEGER NOT NULL DEFAULT 0,
		next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, queueTable)

	if _, err := tx.Exec(ctx, ddlQueue); err != nil {
		return fmt.Errorf("ensure migration queue table: %w", err)
	}
	fmt.Printf("Created migration queue table: %s\n", opts.queueTable)

	ddlMigrations := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id             UUID PRIMARY KEY,
		form_id        UUID NOT NULL,
		sub_form_id    UUID,
		op_kind        TEXT NOT NULL,
		table_name     TEXT NOT NULL,
		column_name    TEXT,
		old_value      TEXT,
		new_value      TEXT,
		success        BOOLEAN NOT NULL,
		error_message  TEXT,
		backup_ref     TEXT,
		applied_at     TIMESTAMPTZ NOT NULL,
		applied_by     TEXT
	)`, migrations)

	if _, err := tx.Exec(ctx, ddlMigrations); err != nil {
		return fmt.Errorf("ensure migration record table: %w", err)
	}
	fmt.Printf("Created migration record table: %s\n", opts.migrations)

	ddlDeletions := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id              UUID PRIMARY KEY,
		table_name      TEXT NOT NULL,
		form_id         UUID NOT NULL,
		sub_form_id     UUID,
		row_count       BIGINT NOT NULL,
		backup_created  BOOLEAN NOT NULL,
		snapshot_ref    TEXT,
		deleted_by      TEXT,
		deleted_at      TIMESTAMPTZ NOT NULL
	)`, deletionLogs)

	if _, err := tx.Exec(ctx, ddlDeletions); err != nil {
		return fmt.Errorf("ensure deletion log table: %w", err)
	}
	fmt.Printf("Created deletion log table: %s\n", opts.deletionLogs)

	ddlBackups := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id            TEXT PRIMARY KEY,
		table_name    TEXT NOT NULL,
		column_name   TEXT NOT NULL,
		backed_up_at  TIMESTAMPTZ NOT NULL,
		payload       JSONB NOT NULL,
		row_count     BIGINT NOT NULL,
		archived_at   TIMESTAMPTZ,
		archive_ref   TEXT
	)`, backups)

	if _, err := tx.Exec(ctx, ddlBackups); err != nil {
		return fmt.Errorf("ensure backup table: %w", err)
	}
	fmt.Printf("Created backup table: %s\n", opts.backups)

	ddlFields := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		field_id     UUID PRIMARY KEY,
		form_id      UUID NOT NULL,
		sub_form_id  UUID,
		title        TEXT NOT NULL,
		data_type    TEXT NOT NULL,
		column_name  TEXT NOT NULL,
		required     BOOLEAN NOT NULL DEFAULT false,
		ordinal      INTEGER NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL
	)`, formFields)

	if _, err := tx.Exec(ctx, ddlFields); err != nil {
		return fmt.Errorf("ensure field metadata table: %w", err)
	}
	fmt.Printf("Created field metadata table: %s\n", opts.formFields)

	indexes := []struct {
		name string
		stmt string
	}{
		{makeIndexName(opts.queueTable, "claim"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (table_name, id) WHERE status NOT IN ('applied', 'cancelled')`, queueTable)},
		{makeIndexName(opts.queueTable, "eligible"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (status, next_attempt_at)`, queueTable)},
		{makeIndexName(opts.queueTable, "form"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (form_id)`, queueTable)},
		{makeIndexName(opts.migrations, "form"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (form_id, applied_at DESC)`, migrations)},
		{makeIndexName(opts.backups, "pending"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (backed_up_at) WHERE archived_at IS NULL`, backups)},
		{makeIndexName(opts.formFields, "form"),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %%s ON %s (form_id)`, formFields)},
	}

	for _, idx := range indexes {
		stmt := fmt.Sprintf(idx.stmt, quoteIdentifier(idx.name))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	return nil
}

func withTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w; rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func quoteIdentifier(name string) string {
	return pgx.Identifier(splitIdentifier(name)).Sanitize()
}

func splitIdentifier(name string) []string {
	parts := strings.Split(name, ".")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return []string{name}
	}
	return result
}

func makeIndexName(table string, suffix string) string {
	base := strings.ReplaceAll(table, ".", "_")
	base = strings.ReplaceAll(base, `"`, "")
	return fmt.Sprintf("%s_%s_idx", base, suffix)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
