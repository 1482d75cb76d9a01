package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	variableKey
	nodeTypeKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithVariable returns a context with the statement variable set.
func WithVariable(ctx context.Context, variable string) context.Context {
	return context.WithValue(ctx, variableKey, variable)
}

// WithNodeType returns a context with the node type set.
func WithNodeType(ctx context.Context, nodeType string) context.Context {
	return context.WithValue(ctx, nodeTypeKey, nodeType)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Variable extracts the statement variable from the context, or "" if absent.
func Variable(ctx context.Context) string {
	v, _ := ctx.Value(variableKey).(string)
	return v
}

// NodeType extracts the node type from the context, or "" if absent.
func NodeType(ctx context.Context) string {
	v, _ := ctx.Value(nodeTypeKey).(string)
	return v
}

// Fields returns the correlation fields present on the context.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v := RunID(ctx); v != "" {
		fields = append(fields, zap.String("run_id", v))
	}
	if v := Variable(ctx); v != "" {
		fields = append(fields, zap.String("variable", v))
	}
	if v := NodeType(ctx); v != "" {
		fields = append(fields, zap.String("node_type", v))
	}
	return fields
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if fields := Fields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// New builds a logger for the CLI. format is "console" or "json"; an
// unknown level falls back to info.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		format = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}
