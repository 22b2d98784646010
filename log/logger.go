// Package log provides structured logging with session context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the update engine and release service
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides structured logging with context fields.
// A nil *Logger is valid and discards everything.
type Logger struct {
	zap   *zap.Logger
	level zapcore.Level
	// fields are the bound context fields, reapplied when the output changes.
	fields []zap.Field
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// Context is the set of identity fields bound to every entry.
// Empty values are omitted.
type Context struct {
	Component   string
	SessionID   string
	Channel     string
	InstallRoot string
}

func (c Context) fields() []zap.Field {
	var fields []zap.Field
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, zap.String(key, value))
		}
	}
	add("component", c.Component)
	add("session_id", c.SessionID)
	add("channel", c.Channel)
	add("install_root", c.InstallRoot)
	return fields
}

// Rotation configures the rotating log file sink.
type Rotation struct {
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// NewLogger creates a new logger with context fields.
// Output defaults to os.Stderr.
func NewLogger(ctx Context) *Logger {
	return newLoggerWithWriter(ctx, os.Stderr, zapcore.DebugLevel)
}

// Nop returns a logger that discards all entries.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newCore(w io.Writer, level zapcore.Level) zapcore.Core {
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
}

// newLoggerWithWriter creates a logger writing to the specified writer.
func newLoggerWithWriter(ctx Context, w io.Writer, level zapcore.Level) *Logger {
	fields := ctx.fields()
	zapLogger := zap.New(newCore(w, level)).With(fields...)
	return &Logger{zap: zapLogger, level: level, fields: fields}
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	if l == nil {
		return nil
	}
	core := newCore(w, l.level).With(l.fields)
	return &Logger{
		zap:    l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core })),
		level:  l.level,
		fields: l.fields,
	}
}

// WithLevel returns a logger that drops entries below the named level
// ("debug", "info", "warn", "error"). Unknown names keep the current level.
func (l *Logger) WithLevel(name string) *Logger {
	if l == nil {
		return nil
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return l
	}
	return &Logger{
		zap:    l.zap.WithOptions(zap.IncreaseLevel(level)),
		level:  level,
		fields: l.fields,
	}
}

// WithFile returns a logger that also writes to a rotating file at path.
func (l *Logger) WithFile(path string, rot Rotation) *Logger {
	if l == nil {
		return nil
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	fileCore := newCore(sink, l.level).With(l.fields)
	return &Logger{
		zap: l.zap.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		})),
		level:  l.level,
		fields: l.fields,
	}
}

// With returns a logger with additional context fields.
func (l *Logger) With(ctx Context) *Logger {
	if l == nil {
		return nil
	}
	extra := ctx.fields()
	fields := append(append([]zap.Field(nil), l.fields...), extra...)
	return &Logger{zap: l.zap.With(extra...), level: l.level, fields: fields}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	if l == nil {
		return &SugaredLogger{sugar: zap.NewNop().Sugar()}
	}
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
