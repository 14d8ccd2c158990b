// Package logger provides structured logging with file rotation support.
// It wraps zap behind a small entry API so callers never import zap directly.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shepherd-project/modelfetch/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the main logger structure
type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, name string) error {
	logger, err := NewLogger(cfg, name)
	if err != nil {
		return err
	}

	mu.Lock()
	old := defaultLogger
	defaultLogger = logger
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// NewLogger creates a new logger instance; name is used for the log file name
func NewLogger(cfg *config.LogConfig, name string) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	l := &Logger{level: level}

	var syncers []zapcore.WriteSyncer
	output := strings.ToLower(cfg.Output)
	if output != "file" {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if output == "file" || output == "both" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		if name == "" {
			name = "modelfetch"
		}
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Directory, name+".log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		syncers = append(syncers, zapcore.AddSync(l.file))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level)
	l.base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	l.sugar = l.base.Sugar()
	return l, nil
}

// NewFromZap wraps an existing zap logger, mostly for tests with zaptest/observer
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{
		base:  z,
		sugar: z.Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return NewFromZap(zap.NewNop())
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger returns the global logger, creating a stdout logger on first use
func GetLogger() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}, "modelfetch")
	}
	return defaultLogger
}

// SetLevel changes the level at runtime
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.base.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{sugar: l.sugar.With(key, value)}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return &LogEntry{sugar: l.sugar.With(flatten(fields)...)}
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return &LogEntry{sugar: l.sugar.With(zap.Error(err))}
}

func (l *Logger) Debug(args ...interface{})                 { l.sugar.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.sugar.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.sugar.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.sugar.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// LogEntry represents a log entry with fields
type LogEntry struct {
	sugar *zap.SugaredLogger
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{sugar: e.sugar.With(key, value)}
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	return &LogEntry{sugar: e.sugar.With(flatten(fields)...)}
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	return &LogEntry{sugar: e.sugar.With(zap.Error(err))}
}

func (e *LogEntry) Debug(args ...interface{})                 { e.sugar.Debug(args...) }
func (e *LogEntry) Debugf(format string, args ...interface{}) { e.sugar.Debugf(format, args...) }
func (e *LogEntry) Info(args ...interface{})                  { e.sugar.Info(args...) }
func (e *LogEntry) Infof(format string, args ...interface{})  { e.sugar.Infof(format, args...) }
func (e *LogEntry) Warn(args ...interface{})                  { e.sugar.Warn(args...) }
func (e *LogEntry) Warnf(format string, args ...interface{})  { e.sugar.Warnf(format, args...) }
func (e *LogEntry) Error(args ...interface{})                 { e.sugar.Error(args...) }
func (e *LogEntry) Errorf(format string, args ...interface{}) { e.sugar.Errorf(format, args...) }

func flatten(fields map[string]interface{}) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

// Package-level helpers delegate to the global logger

func WithField(key string, value interface{}) *LogEntry  { return GetLogger().WithField(key, value) }
func WithFields(fields map[string]interface{}) *LogEntry { return GetLogger().WithFields(fields) }
func WithError(err error) *LogEntry                      { return GetLogger().WithError(err) }

func Debug(args ...interface{})                 { GetLogger().Debug(args...) }
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Info(args ...interface{})                  { GetLogger().Info(args...) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warn(args ...interface{})                  { GetLogger().Warn(args...) }
func Warnf(format string, args ...interface{})  { GetLogger().Warnf(format, args...) }
func Error(args ...interface{})                 { GetLogger().Error(args...) }
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }
