package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	RoomIDKey        contextKey = "room_id"
	ConnIDKey        contextKey = "conn_id"
	EventKey         contextKey = "event"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool, level string) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if lvl, parseErr := zapcore.ParseLevel(level); parseErr == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithConn returns a context carrying connection identifiers so every log
// line emitted under it correlates back to the socket.
func WithConn(ctx context.Context, connID, userID string) context.Context {
	ctx = context.WithValue(ctx, ConnIDKey, connID)
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRoom returns a context carrying the room identifier.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithEvent returns a context carrying the inbound event name.
func WithEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, EventKey, event)
}

// appendContextFields adds correlation fields from the context to the log entry.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if uid, ok := ctx.Value(UserIDKey).(string); ok {
		fields = append(fields, zap.String("user_id", uid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	if cid, ok := ctx.Value(ConnIDKey).(string); ok {
		fields = append(fields, zap.String("conn_id", cid))
	}
	if ev, ok := ctx.Value(EventKey).(string); ok {
		fields = append(fields, zap.String("event", ev))
	}

	// Default service name
	fields = append(fields, zap.String("service", "msab-signal"))

	return fields
}

// PII Redaction helpers

// RedactEmail masks the local part of an email address
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}

// RedactToken keeps only a short prefix of a bearer token for log output.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}
