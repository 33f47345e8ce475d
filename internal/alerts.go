package internal

import (
	"context"

	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

// LogAlertSink escalates through the structured log at error level. It is the
// default sink; deployments with a paging pipeline plug their own in.
type LogAlertSink struct {
	logger *zap.Logger
}

func NewLogAlertSink(logger *zap.Logger) *LogAlertSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) MigrationDead(ctx context.Context, op *dynatable.MigrationOperation, lastError string) {
	s.logger.Error("migration dead-lettered",
		zap.String("operation_id", op.ID.String()),
		zap.String("kind", string(op.Kind)),
		zap.String("table", op.TableName),
		zap.String("column", op.ColumnName),
		zap.String("form_id", op.FormID.String()),
		zap.String("last_error", lastError))
}

func (s *LogAlertSink) EnqueueFailed(ctx context.Context, op *dynatable.MigrationOperation, err error) {
	s.logger.Error("migration enqueue failed, schema change not queued",
		zap.String("operation_id", op.ID.String()),
		zap.String("kind", string(op.Kind)),
		zap.String("table", op.TableName),
		zap.String("column", op.ColumnName),
		zap.String("form_id", op.FormID.String()),
		zap.Error(err))
}
