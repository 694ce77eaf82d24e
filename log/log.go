// Package log is the logging facade used across go2pc.
// Call sites log in printf form with a context; fields attached to the context
// with WithFields travel along with every line.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes where and how log lines are written.
type Config struct {
	// Level is the minimum level: debug, info, warn or error. Defaults to info.
	Level string
	// Format is json or console.
	Format string
	// OutputFile is stdout, stderr or a file path. File output rotates through lumberjack.
	OutputFile string
	// MaxSizeMB is the size at which a log file is rotated.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept, 0 keeps all.
	MaxBackups int
	// MaxAgeDays drops rotated files older than this many days, 0 disables.
	MaxAgeDays int
	Compress   bool
}

var logger atomic.Pointer[zap.Logger]

func init() {
	l, _ := New(Config{Level: "info", Format: "console", OutputFile: "stderr"})
	logger.Store(l)
}

// New builds a zap logger from the config.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(config)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	var encoder zapcore.Encoder
	if strings.ToLower(config.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).
		WithOptions(zap.Fields(zap.String("service", "go2pc"))), nil
}

func writeSyncer(config Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(config.OutputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	if config.MaxSizeMB < 0 || config.MaxBackups < 0 {
		return nil, fmt.Errorf("invalid log rotation config for %s", config.OutputFile)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.OutputFile,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}), nil
}

// Init replaces the process logger with one built from config.
func Init(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger. A nil logger silences output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// L returns the process logger.
func L() *zap.Logger {
	return logger.Load()
}

type fieldsKey struct{}

// WithFields returns a context whose log lines carry the given fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func fromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	return fields
}

func logf(ctx context.Context, level zapcore.Level, format string, v ...interface{}) {
	l := L()
	if ce := l.Check(level, fmt.Sprintf(format, v...)); ce != nil {
		ce.Write(fromContext(ctx)...)
	}
}

func DebugContextf(ctx context.Context, format string, v ...interface{}) {
	logf(ctx, zapcore.DebugLevel, format, v...)
}

func InfoContextf(ctx context.Context, format string, v ...interface{}) {
	logf(ctx, zapcore.InfoLevel, format, v...)
}

func WarnContextf(ctx context.Context, format string, v ...interface{}) {
	logf(ctx, zapcore.WarnLevel, format, v...)
}

func ErrorContextf(ctx context.Context, format string, v ...interface{}) {
	logf(ctx, zapcore.ErrorLevel, format, v...)
}
