package dynatable

import (
	"time"
)

// Config consolidates settings for every engine component.
type Config struct {
	Database    DatabaseConfig    `json:"database"`
	Translation TranslationConfig `json:"translation"`
	Queue       QueueConfig       `json:"queue"`
	Normalizer  NormalizerConfig  `json:"normalizer"`
	Archive     ArchiveConfig     `json:"archive"`
	Logging     LoggingConfig     `json:"logging"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"sslMode"`
	MaxConnections  int           `json:"maxConnections"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout"`
	TableNames      TableNames    `json:"tableNames"`
}

// TableNames holds the engine's own bookkeeping tables. Dynamic tables are
// named at runtime by the identifier normalizer and are not listed here.
type TableNames struct {
	MigrationQueue   string `json:"migrationQueue"`
	FieldMigrations  string `json:"fieldMigrations"`
	DeletionLogs     string `json:"deletionLogs"`
	FieldDataBackups string `json:"fieldDataBackups"`
	FormFields       string `json:"formFields"`
}

// TranslationConfig configures the translate sidecar client used by the
// identifier normalizer.
type TranslationConfig struct {
	Endpoint         string        `json:"endpoint"`
	SourceLang       string        `json:"sourceLang"`
	TargetLang       string        `json:"targetLang"`
	Timeout          time.Duration `json:"timeout"`
	BreakerThreshold int           `json:"breakerThreshold"`
	BreakerWindow    time.Duration `json:"breakerWindow"`
	BreakerOpenFor   time.Duration `json:"breakerOpenFor"`
}

// QueueConfig configures the migration queue worker pool.
type QueueConfig struct {
	Workers        int           `json:"workers"`
	PollInterval   time.Duration `json:"pollInterval"`
	DDLTimeout     time.Duration `json:"ddlTimeout"`
	MaxAttempts    int           `json:"maxAttempts"`
	RetryBaseDelay time.Duration `json:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `json:"retryMaxDelay"`
}

// NormalizerConfig bounds the identifier normalizer's disambiguation loop.
type NormalizerConfig struct {
	MaxNameBytes        int `json:"maxNameBytes"`
	MaxCollisionRetries int `json:"maxCollisionRetries"`
}

// ArchiveConfig configures the S3 backup archiver and the pre-drop parquet
// snapshot exporter.
type ArchiveConfig struct {
	Enabled        bool          `json:"enabled"`
	Bucket         string        `json:"bucket"`
	Prefix         string        `json:"prefix"`
	Region         string        `json:"region"`
	Endpoint       string        `json:"endpoint"`
	Interval       time.Duration `json:"interval"`
	DuckDBPath     string        `json:"duckdbPath"`
	DuckDBMemoryMB int           `json:"duckdbMemoryMB"`
	DuckDBThreads  int           `json:"duckdbThreads"`
	UseIAMAuth     bool          `json:"useIAMAuth"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string `json:"level"`
	Format           string `json:"format"`
	EnableStructured bool   `json:"enableStructured"`
	LogQueries       bool   `json:"logQueries"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
			TableNames: TableNames{
				MigrationQueue:   "migration_queue",
				FieldMigrations:  "field_migrations",
				DeletionLogs:     "table_deletion_logs",
				FieldDataBackups: "field_data_backups",
				FormFields:       "form_fields",
			},
		},
		Translation: TranslationConfig{
			Endpoint:         "http://localhost:5000",
			SourceLang:       "th",
			TargetLang:       "en",
			Timeout:          3 * time.Second,
			BreakerThreshold: 5,
			BreakerWindow:    30 * time.Second,
			BreakerOpenFor:   time.Minute,
		},
		Queue: QueueConfig{
			Workers:        4,
			PollInterval:   500 * time.Millisecond,
			DDLTimeout:     30 * time.Second,
			MaxAttempts:    5,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  5 * time.Minute,
		},
		Normalizer: NormalizerConfig{
			MaxNameBytes:        63,
			MaxCollisionRetries: 50,
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Prefix:         "dynatable",
			Interval:       5 * time.Minute,
			DuckDBPath:     "",
			DuckDBMemoryMB: 1024,
			DuckDBThreads:  2,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "json",
			EnableStructured: true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}
	if c.Database.TableNames.MigrationQueue == "" {
		return &ConfigError{Field: "database.tableNames.migrationQueue", Message: "is required"}
	}
	if c.Database.TableNames.FieldMigrations == "" {
		return &ConfigError{Field: "database.tableNames.fieldMigrations", Message: "is required"}
	}
	if c.Database.TableNames.FieldDataBackups == "" {
		return &ConfigError{Field: "database.tableNames.fieldDataBackups", Message: "is required"}
	}
	if c.Queue.Workers <= 0 {
		return &ConfigError{Field: "queue.workers", Message: "must be greater than 0"}
	}
	if c.Queue.MaxAttempts <= 0 {
		return &ConfigError{Field: "queue.maxAttempts", Message: "must be greater than 0"}
	}
	if c.Queue.RetryMaxDelay < c.Queue.RetryBaseDelay {
		return &ConfigError{Field: "queue.retryMaxDelay", Message: "must be greater than or equal to retryBaseDelay"}
	}
	if c.Normalizer.MaxNameBytes < 16 || c.Normalizer.MaxNameBytes > 63 {
		return &ConfigError{Field: "normalizer.maxNameBytes", Message: "must be between 16 and 63"}
	}
	if c.Normalizer.MaxCollisionRetries <= 0 {
		return &ConfigError{Field: "normalizer.maxCollisionRetries", Message: "must be greater than 0"}
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return &ConfigError{Field: "archive.bucket", Message: "is required when archive is enabled"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
