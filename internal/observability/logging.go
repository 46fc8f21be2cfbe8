package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casevia/flowtrace/internal/config"
	"github.com/casevia/flowtrace/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, trace persistence errors)
//   - warn:  Broken references, forbidden actions, chain limit hits
//   - info:  Status transitions, global action firings, replay results, definition reload
//   - debug: Condition evaluation, skipped items, sink operations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ContextLogger resolves the effective logger for a call site: the context
// logger when one is stored, the fallback otherwise. When the context carries
// an active span the result gains trace correlation fields, so log lines and
// spans of the same operation can be joined.
func ContextLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	log := LoggerFrom(ctx, fallback)
	if log == nil {
		return zap.NewNop()
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		log = log.With(
			zap.String("trace_id", traceID),
			zap.String("span_id", SpanIDFromContext(ctx)),
		)
	}
	return log
}

// RecordLogger returns a logger enriched with record identity fields.
func RecordLogger(logger *zap.Logger, rec *model.Record) *zap.Logger {
	if rec == nil {
		return logger
	}
	return logger.With(
		zap.String("record_id", rec.ID),
		zap.String("workflow_id", rec.WorkflowID),
		zap.String("status_id", rec.StatusID),
	)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"credit_card":   true,
	"ssn":           true,
	"pin":           true,
}

// RedactData returns a copy of a record data map with sensitive fields
// replaced by "[REDACTED]". The sensitiveFields list is merged with default
// sensitive field names. This is intended for debug-level logging only.
func RedactData(data map[string]any, sensitiveFields []string) map[string]any {
	if data == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(data))
	for k, v := range data {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactData(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
