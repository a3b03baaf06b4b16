package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/model"
)

type loggerKey struct{}

// ServiceName is attached to every entry written by NewLogger.
const ServiceName = "requisitiond"

// NewLogger builds the service logger from cfg. The format is JSON unless
// cfg.LogFormat asks for console output; an unknown level falls back to info.
//
// Level conventions:
//   - error: store or workflow service failures, 5xx responses, dead letters
//   - warn:  4xx responses, breaker open, history writes retried in background
//   - info:  job status changes, workflow triggers and reviews, distributions
//   - debug: lookup cache hits, recipient resolution, condition evaluation
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.LogFormat, "console") {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.Development = false
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.InitialFields = map[string]any{"service": ServiceName, "version": Version}

	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger with the caller's program,
// subject and correlation ids attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("program_id", rctx.ProgramID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("user_type", rctx.UserType),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// JobFields identifies a job in log entries.
func JobFields(j *model.Job) []zap.Field {
	if j == nil {
		return nil
	}
	return []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("program_id", j.ProgramID),
		zap.String("job_template_id", j.JobTemplateID),
	}
}

// sensitiveSuffixes mark keys whose values stay out of logs: credentials and
// the money figures of a requisition.
var sensitiveSuffixes = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"bill_rate",
	"pay_rate",
	"net_budget",
	"markup",
}

const redacted = "[REDACTED]"

// RedactBody returns a copy of body fit for logging. A key is masked when it
// ends in one of the sensitive suffixes or is listed in extra. Nested maps and
// lists are walked; body itself is never modified.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if sensitiveKey(k, extra) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, extra)
	}
	return out
}

func redactValue(v any, extra []string) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactBody(t, extra)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, extra)
		}
		return out
	}
	return v
}

func sensitiveKey(k string, extra []string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.EqualFold(k, s) {
			return true
		}
	}
	return false
}
