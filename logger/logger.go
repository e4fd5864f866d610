// Package logger provides structured logging for the chat core client,
// built on zap. Mutations to groups, chats, and the outbound queues all
// flow through here so operators can correlate client-local behavior
// with server-side logs.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide structured logger. Safe to use before
	// Initialize is called; it is a no-op logger until then.
	Logger *zap.SugaredLogger
	// JSONOutput records whether the active logger emits JSON.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects machine-readable
// JSON (suitable for log shipping from a headless client/daemon) vs a
// human-readable console encoder (suitable for interactive/CLI use).
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(levelFromEnv(zap.InfoLevel))
		zapLogger, err = config.Build()
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				levelFromEnv(zap.InfoLevel),
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// levelFromEnv allows CHATCORE_LOG_LEVEL to override the default level,
// useful when diagnosing ratchet/queue issues in the field without a redeploy.
func levelFromEnv(def zapcore.Level) zapcore.Level {
	switch strings.ToUpper(os.Getenv("CHATCORE_LOG_LEVEL")) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	default:
		return def
	}
}

// Cleanup flushes any buffered log entries. Errors are often ignorable for
// stdout/stderr (e.g. ENOTTY/EINVAL on some platforms).
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{})                 { Logger.Info(args...) }
func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }
func Infow(msg string, kv ...interface{})      { Logger.Infow(msg, kv...) }

func Error(args ...interface{})                 { Logger.Error(args...) }
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
func Errorw(msg string, kv ...interface{})      { Logger.Errorw(msg, kv...) }

func Warn(args ...interface{})                 { Logger.Warn(args...) }
func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }
func Warnw(msg string, kv ...interface{})      { Logger.Warnw(msg, kv...) }

func Debug(args ...interface{})                 { Logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Debugw(msg string, kv ...interface{})      { Logger.Debugw(msg, kv...) }
