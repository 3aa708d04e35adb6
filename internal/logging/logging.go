package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels constants.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

// disabledLevel sits above every zap level so nothing is emitted.
const disabledLevel = zapcore.FatalLevel + 1

var (
	currentLevel atomic.Int32
	zapLevel     = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	currentLevel.Store(Info)
	logger = build(os.Stderr)
}

// build assembles the console logger used by Logf. Caller info is attached
// only at debug level by the encoder config below.
func build(w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	// Mirror the stdlib log layout: date, microseconds, level, message.
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.ConsoleSeparator = " "
	// The shared atomic level lets SetLevel retune every logger built here.
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), zapLevel)
	// Skip logf and Logf so the caller column names the real call site.
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar()
}

func toZap(level int) zapcore.Level {
	switch level {
	case Error:
		return zapcore.ErrorLevel
	case Warning:
		return zapcore.WarnLevel
	case Info:
		return zapcore.InfoLevel
	case Debug:
		return zapcore.DebugLevel
	default:
		return disabledLevel
	}
}

// SetLevel atomically sets the global logging level.
// It clamps the input level to the valid range [None, Debug].
func SetLevel(level int) {
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	// Both views of the level move together; Logf checks the int, zap the other.
	currentLevel.Store(int32(level))
	zapLevel.SetLevel(toZap(level))
	if level >= Debug {
		logf(Debug, "Log level set to %d", level)
	}
}

// GetLevel atomically retrieves the current logging level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// ParseLevel converts a log level string (case-insensitive) to its integer representation.
// Returns Info level and an error if the string is invalid.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(levelStr) {
	case "none":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging configures the logging level based on an input string.
// Logs a warning and uses Info level if the input string is invalid.
// Returns the finally set log level.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		logf(Warning, "Invalid log level '%s' provided, defaulting to 'info'. Error: %v", levelStr, err)
	}
	SetLevel(level)
	return level
}

// SetOutput changes the output destination of the global logger.
func SetOutput(w io.Writer) {
	l := build(w)
	// Swap under the write lock, flush the old logger outside it.
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Sync()
}

func logf(level int, format string, v ...interface{}) {
	// Cheap level check before taking the lock or formatting anything.
	if level == None || int32(level) > currentLevel.Load() {
		return
	}
	mu.RLock()
	l := logger
	mu.RUnlock()
	switch level {
	case Error:
		l.Errorf(format, v...)
	case Warning:
		l.Warnf(format, v...)
	case Info:
		l.Infof(format, v...)
	default:
		l.Debugf(format, v...)
	}
}

// Logf logs a formatted message if the specified level is enabled according to the global setting.
func Logf(level int, format string, v ...interface{}) {
	logf(level, format, v...)
}
