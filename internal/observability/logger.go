// File: internal/observability/logger.go
package observability

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/xkilldash9x/pacer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger is read by every component; it is swapped atomically.
	globalLogger atomic.Pointer[zap.Logger]
	initOnce     sync.Once
)

const (
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorWhite   = "\x1b[37m"
	colorReset   = "\x1b[0m"
)

var ansiByName = map[string]string{
	"red":     colorRed,
	"green":   colorGreen,
	"yellow":  colorYellow,
	"blue":    colorBlue,
	"magenta": colorMagenta,
	"cyan":    colorCyan,
	"white":   colorWhite,
}

// Initialize builds the process wide logger. Only the first call has an effect, so the
// CLI can call it from every command without rebuilding cores.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		globalLogger.Store(build(cfg, consoleWriter))
	})
}

func build(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, level)}
	if cfg.LogFile != "" {
		cores = append(cores, rotatingFileCore(cfg, level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}

	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)
	return logger
}

// rotatingFileCore writes JSON lines to a lumberjack rotated file.
func rotatingFileCore(cfg config.LoggerConfig, level zapcore.Level) zapcore.Core {
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), zapcore.AddSync(rotator), level)
}

// InitializeLogger logs to stderr. Stdout is reserved for command output such as
// tables and JSON.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest clears the global logger so the next Initialize takes effect.
// Tests only.
func ResetForTest() {
	globalLogger.Store(nil)
	initOnce = sync.Once{}
}

// levelColors resolves the configured color names per level. Unknown names map to no color.
func levelColors(c config.ColorConfig) map[zapcore.Level]string {
	return map[zapcore.Level]string{
		zapcore.DebugLevel:  ansiByName[c.Debug],
		zapcore.InfoLevel:   ansiByName[c.Info],
		zapcore.WarnLevel:   ansiByName[c.Warn],
		zapcore.ErrorLevel:  ansiByName[c.Error],
		zapcore.DPanicLevel: ansiByName[c.DPanic],
		zapcore.PanicLevel:  ansiByName[c.Panic],
		zapcore.FatalLevel:  ansiByName[c.Fatal],
	}
}

func colorLevelEncoder(c config.ColorConfig) zapcore.LevelEncoder {
	colors := levelColors(c)
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if color := colors[level]; color != "" {
			enc.AppendString(color + level.CapitalString() + colorReset)
			return
		}
		enc.AppendString(level.CapitalString())
	}
}

// newEncoder returns the console encoder with colored levels, or JSON for any other format.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	ec.EncodeDuration = zapcore.StringDurationEncoder

	if cfg.Format != "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = colorLevelEncoder(cfg.Colors)
	// A trailing dot sets "pacer.scheduler." apart from the message.
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the global logger, or a development logger when Initialize has not
// run yet.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	fallback.Warn("Global logger requested before initialization; using fallback.")
	return fallback.Named("fallback")
}

// ForAccount returns the global logger scoped to one account and component.
func ForAccount(component, accountID string) *zap.Logger {
	return GetLogger().Named(component).With(zap.String("account_id", accountID))
}

// Sync flushes buffered entries. Call it before the process exits.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !isTerminalSyncError(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// isTerminalSyncError reports errors from fsync on a terminal or pipe, which several
// platforms return for stdout and stderr.
func isTerminalSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EBADF)
}
