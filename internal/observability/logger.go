// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/rewardcrawl/internal/config"
)

var (
	// globalLogger stores the global logger instance safely across goroutines.
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const colorReset = "\x1b[0m"

// colorMap translates friendly names to ANSI codes.
var colorMap = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize sets up the global Zap logger based on configuration and a specified output writer.
// Only the first call has any effect.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(getEncoder(cfg), consoleWriter, level)}

		if cfg.LogFile != "" {
			// The file sink is always JSON so crawl logs stay machine readable.
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(getEncoder(config.LoggerConfig{Format: "json"}), fileWriter, level))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...)
		if cfg.ServiceName != "" {
			logger = logger.Named(cfg.ServiceName)
		}
		globalLogger.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger is a convenience wrapper around Initialize that writes console output to Stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest resets the sync.Once and clears the global logger.
// This function should ONLY be used in tests.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

// newColorizedLevelEncoder creates a zapcore.LevelEncoder that colorizes the log level.
func newColorizedLevelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		levelStr := strings.ToUpper(level.String())
		if color, ok := colorMap[byLevel[level]]; ok {
			enc.AppendString(fmt.Sprintf("%s%s%s", color, levelStr, colorReset))
			return
		}
		enc.AppendString(levelStr)
	}
}

// getEncoder returns a JSON encoder, or a single-line colorized console
// encoder when cfg.Format is "console".
func getEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = newColorizedLevelEncoder(cfg.Colors)
		// Suffix the logger name with a dot: "rewardcrawl.executor."
		encoderConfig.EncodeName = func(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(loggerName + ".")
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogger returns the initialized global logger instance.
func GetLogger() *zap.Logger {
	logger := globalLogger.Load()
	if logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		l.Warn("Global logger requested before initialization; using fallback.")
		return l.Named("fallback")
	}
	return logger
}

// ForCrawler returns a named child logger tagged with the crawler it works for.
func ForCrawler(base *zap.Logger, component, crawlerName string) *zap.Logger {
	return base.Named(component).With(zap.String("crawler", crawlerName))
}

// Sync flushes any buffered log entries. Applications should call this before exiting.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		// Syncing a terminal or a closed pipe is not a real failure.
		errMsg := err.Error()
		if !strings.Contains(errMsg, "sync /dev/stdout") &&
			!strings.Contains(errMsg, "invalid argument") &&
			!strings.Contains(errMsg, "inappropriate ioctl") &&
			!strings.Contains(errMsg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
