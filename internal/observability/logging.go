package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/docflow/internal/config"
	"github.com/pitabwire/docflow/model"
)

type loggerKey struct{}

// NewLogger creates the service logger: JSON on stdout, tagged with the
// service name.
//
// Level conventions:
//   - error: store or broker failures, panics, 5xx responses
//   - warn:  refused operations, failed event publishes, forced resets
//   - info:  requests, transitions, reviewer assignment, feedback, reloads
//   - debug: replays, role cache activity, redacted transition metadata
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
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
		InitialFields:    map[string]any{"service": "docflow"},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller and the
// request's correlation and trace ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", rctx.IdempotencyKey))
	}
	return logger.With(fields...)
}

// InstanceFields identifies a workflow instance and where it stands.
func InstanceFields(inst model.WorkflowInstance) []zap.Field {
	return []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("document_id", inst.DocumentID),
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("stage_id", inst.CurrentStageID),
		zap.Int("version", inst.Version),
	}
}

// TransitionFields describes a recorded transition of inst by actorID.
// Empty stage ids are left out.
func TransitionFields(inst model.WorkflowInstance, ev model.TransitionEvent, actorID string) []zap.Field {
	fields := append(InstanceFields(inst),
		zap.String("action", string(ev.Action)),
		zap.Int("sequence", ev.Sequence),
		zap.String("actor_id", actorID),
	)
	if ev.FromStageID != "" {
		fields = append(fields, zap.String("from_stage_id", ev.FromStageID))
	}
	if ev.ToStageID != "" {
		fields = append(fields, zap.String("to_stage_id", ev.ToStageID))
	}
	if ev.Label != "" {
		fields = append(fields, zap.String("label", ev.Label))
	}
	return fields
}

// MetadataField logs transition metadata with sensitive keys redacted.
func MetadataField(metadata map[string]any, sensitive []string) zap.Field {
	return zap.Any("metadata", RedactMetadata(metadata, sensitive))
}

// defaultSensitiveKeys are redacted from transition metadata in addition to
// the configured keys.
var defaultSensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"authorization",
	"ssn",
	"dod_id",
	"signature",
}

// RedactMetadata returns a copy of metadata with the values of sensitive
// keys replaced by "[REDACTED]". Keys compare case-insensitively, and nested
// maps and lists of maps are redacted too. The input is never modified.
func RedactMetadata(metadata map[string]any, sensitive []string) map[string]any {
	if metadata == nil {
		return nil
	}
	keys := make(map[string]bool, len(defaultSensitiveKeys)+len(sensitive))
	for _, k := range defaultSensitiveKeys {
		keys[k] = true
	}
	for _, k := range sensitive {
		keys[strings.ToLower(k)] = true
	}
	return redactMap(metadata, keys)
}

func redactMap(m map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, keys)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, keys)
		}
		return out
	default:
		return v
	}
}
