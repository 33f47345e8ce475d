package dynatable

import (
	"errors"
	"fmt"
)

// ErrorType categorizes engine errors for retry and escalation decisions.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "VALIDATION"
	ErrorTypeConflict    ErrorType = "CONFLICT"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeTransient   ErrorType = "TRANSIENT"
	ErrorTypeFatal       ErrorType = "FATAL"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	ErrorTypeInternal    ErrorType = "INTERNAL"
)

// Error codes for the schema engine taxonomy.
const (
	ErrCodeNormalizationFailed = "NORMALIZATION_FAILURE"
	ErrCodeSchemaConflict      = "SCHEMA_CONFLICT"
	ErrCodeColumnConflict      = "COLUMN_CONFLICT"
	ErrCodeTableNotFound       = "TABLE_NOT_FOUND"
	ErrCodeColumnNotFound      = "COLUMN_NOT_FOUND"
	ErrCodeTypeCoercionFailed  = "TYPE_COERCION_FAILED"
	ErrCodeBackupRequired      = "BACKUP_REQUIRED"
	ErrCodeMigrationTransient  = "MIGRATION_TRANSIENT"
	ErrCodeMigrationFatal      = "MIGRATION_FATAL"
	ErrCodeQueueClosed         = "QUEUE_CLOSED"
	ErrCodeTranslationDown     = "TRANSLATION_UNAVAILABLE"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// EngineError is the structured error type surfaced by every engine
// component. The queue inspects Type to pick a retry policy; everything else
// is context for the migration audit record.
type EngineError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Table   string         `json:"table,omitempty"`
	Column  string         `json:"column,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("[%s:%s] %s.%s: %s", e.Type, e.Code, e.Table, e.Column, e.Message)
	case e.Table != "":
		return fmt.Sprintf("[%s:%s] table %s: %s", e.Type, e.Code, e.Table, e.Message)
	default:
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail to the error.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the underlying error.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// WithTable adds table context.
func (e *EngineError) WithTable(table string) *EngineError {
	e.Table = table
	return e
}

// WithColumn adds column context.
func (e *EngineError) WithColumn(column string) *EngineError {
	e.Column = column
	return e
}

// NewEngineError creates a bare structured error.
func NewEngineError(errorType ErrorType, code, message string) *EngineError {
	return &EngineError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewSchemaConflictError reports a resolved table name that already exists.
func NewSchemaConflictError(table string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeSchemaConflict,
		Message: "resolved table name already exists",
		Table:   table,
		Details: make(map[string]any),
	}
}

// NewColumnConflictError reports a column that already exists on a table.
func NewColumnConflictError(table, column string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeColumnConflict,
		Message: "column already exists",
		Table:   table,
		Column:  column,
		Details: make(map[string]any),
	}
}

// NewTableNotFoundError reports DDL or DML against a missing dynamic table.
func NewTableNotFoundError(table string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeTableNotFound,
		Message: "dynamic table does not exist",
		Table:   table,
		Details: make(map[string]any),
	}
}

// NewColumnNotFoundError reports an operation against a missing column.
func NewColumnNotFoundError(table, column string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeColumnNotFound,
		Message: "column does not exist",
		Table:   table,
		Column:  column,
		Details: make(map[string]any),
	}
}

// NewTypeCoercionError reports a submission value that cannot be stored in
// its field's column type.
func NewTypeCoercionError(column, message string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeTypeCoercionFailed,
		Message: message,
		Column:  column,
		Details: make(map[string]any),
	}
}

// NewBackupRequiredError reports a destructive operation whose mandatory
// pre-op backup could not be created. Never retried automatically.
func NewBackupRequiredError(table, column string, cause error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeFatal,
		Code:    ErrCodeBackupRequired,
		Message: "backup before destructive operation failed",
		Table:   table,
		Column:  column,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewMigrationTransientError wraps a failure eligible for backoff retry.
func NewMigrationTransientError(message string, cause error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeTransient,
		Code:    ErrCodeMigrationTransient,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewMigrationFatalError wraps a failure that must not be retried.
func NewMigrationFatalError(message string, cause error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeFatal,
		Code:    ErrCodeMigrationFatal,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewTranslationUnavailableError reports the translate sidecar being down or
// too slow; the normalizer falls back to transliteration on this error.
func NewTranslationUnavailableError(cause error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeUnavailable,
		Code:    ErrCodeTranslationDown,
		Message: "translation service unavailable",
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewValidationError reports invalid engine input.
func NewValidationError(message string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Type == ErrorTypeTransient || ee.Type == ErrorTypeUnavailable
	}
	return false
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Type == ErrorTypeFatal
	}
	return false
}

// CodeOf extracts the engine error code, or empty for foreign errors.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
