package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
	"github.com/qcollector/dynatable/factory"
	"github.com/qcollector/dynatable/internal"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	config := configFromEnv()
	if err := internal.ValidatePostgresConfig(config.Database); err != nil {
		sugar.Fatalf("invalid database config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := createDatabasePoolFromConfig(config.Database)
	if err != nil {
		sugar.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	if err := internal.PostgresHealthCheck(ctx, databaseURL(config.Database), 5*time.Second); err != nil {
		sugar.Fatalf("postgres health check failed: %v", err)
	}
	if err := internal.TranslatorHealthCheck(ctx, config.Translation); err != nil {
		sugar.Warnf("translate sidecar unavailable, identifiers will use the deterministic fallback: %v", err)
	}
	if config.Archive.Enabled {
		if err := internal.S3HealthCheck(ctx, config.Archive, 5*time.Second); err != nil {
			sugar.Warnf("archive endpoint unreachable, uploads will retry: %v", err)
		}
	}

	components, err := factory.NewComponentsWithConfig(ctx, config, pool, nil)
	if err != nil {
		sugar.Fatalf("failed to assemble components: %v", err)
	}

	if components.Archiver != nil {
		go func() {
			if err := components.Archiver.Run(ctx); err != nil {
				sugar.Errorf("archiver stopped: %v", err)
			}
		}()
	}

	sugar.Infow("migration worker starting",
		"workers", config.Queue.Workers,
		"poll_interval", config.Queue.PollInterval,
		"max_attempts", config.Queue.MaxAttempts)

	if err := components.Workers.Run(ctx); err != nil {
		sugar.Fatalf("worker pool error: %v", err)
	}
	sugar.Info("migration worker stopped")
}

func configFromEnv() *dynatable.Config {
	config := dynatable.DefaultConfig()

	config.Database.Host = getEnv("DB_HOST", config.Database.Host)
	config.Database.Port = getEnvInt("DB_PORT", config.Database.Port)
	config.Database.Database = getEnv("DB_NAME", "dynatable")
	config.Database.Username = getEnv("DB_USER", "postgres")
	config.Database.Password = getEnv("DB_PASSWORD", "")
	config.Database.SSLMode = getEnv("DB_SSL_MODE", "disable")
	config.Database.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", config.Database.MaxConnections)

	config.Translation.Endpoint = getEnv("TRANSLATE_ENDPOINT", config.Translation.Endpoint)
	config.Translation.SourceLang = getEnv("TRANSLATE_SOURCE_LANG", config.Translation.SourceLang)
	config.Translation.TargetLang = getEnv("TRANSLATE_TARGET_LANG", config.Translation.TargetLang)

	config.Queue.Workers = getEnvInt("QUEUE_WORKERS", config.Queue.Workers)
	config.Queue.MaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", config.Queue.MaxAttempts)
	if v := getEnvInt("QUEUE_POLL_INTERVAL_MS", 0); v > 0 {
		config.Queue.PollInterval = time.Duration(v) * time.Millisecond
	}
	if v := getEnvInt("QUEUE_DDL_TIMEOUT_SECONDS", 0); v > 0 {
		config.Queue.DDLTimeout = time.Duration(v) * time.Second
	}

	config.Archive.Enabled = getEnv("ARCHIVE_ENABLED", "") == "true"
	config.Archive.Bucket = getEnv("ARCHIVE_BUCKET", config.Archive.Bucket)
	config.Archive.Prefix = getEnv("ARCHIVE_PREFIX", config.Archive.Prefix)
	config.Archive.Region = getEnv("ARCHIVE_REGION", config.Archive.Region)
	config.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", config.Archive.Endpoint)
	config.Archive.UseIAMAuth = getEnv("ARCHIVE_USE_IAM_AUTH", "") == "true"
	if v := getEnvInt("ARCHIVE_INTERVAL_SECONDS", 0); v > 0 {
		config.Archive.Interval = time.Duration(v) * time.Second
	}

	return config
}

func databaseURL(config dynatable.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.SSLMode,
	)
}

// createDatabasePoolFromConfig creates a PostgreSQL connection pool from config
func createDatabasePoolFromConfig(config dynatable.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL(config))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MinConns = int32(config.MaxIdleConns)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = config.Timeout

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
