package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qcollector/dynatable"
)

// ValidatePostgresConfig performs basic sanity checks on Postgres settings.
func ValidatePostgresConfig(cfg dynatable.DatabaseConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("database.port must be a valid TCP port")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("database.maxConnections must be greater than 0")
	}
	return nil
}

// PostgresHealthCheck attempts to connect and ping a Postgres instance using
// a DSN. timeout may be 0 to use a sensible default (5s).
func PostgresHealthCheck(ctx context.Context, dsn string, timeout time.Duration) error {
	if dsn == "" {
		return fmt.Errorf("empty dsn")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}

	if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres simple query failed: %w", err)
	}

	return nil
}

// TranslatorHealthCheck probes the translate sidecar. A down sidecar is not
// fatal for the engine; the normalizer falls back to transliteration, so
// callers should log rather than abort on failure.
func TranslatorHealthCheck(ctx context.Context, cfg dynatable.TranslationConfig) error {
	t := NewArgosTranslator(cfg, nil)
	return t.Health(ctx)
}

// S3HealthCheck is a best-effort HTTP ping against the archive endpoint. It
// only succeeds for endpoints accepting anonymous HEAD requests (e.g. MinIO);
// for AWS S3 a 403 still confirms DNS and TLS work.
func S3HealthCheck(ctx context.Context, cfg dynatable.ArchiveConfig, timeout time.Duration) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("archive endpoint not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("archive health request build failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("archive health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("archive endpoint reachable but returned auth error: %d", resp.StatusCode)
	}
	return fmt.Errorf("archive endpoint returned unexpected status: %d", resp.StatusCode)
}
