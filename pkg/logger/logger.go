package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the process-wide logger. Components should prefer Component().
	Logger *logrus.Logger

	currentLogFile string
	fileWriter     io.Writer
	logMu          sync.Mutex
)

// Config controls log level and the optional rotated log file.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // empty means console only
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	JSON       bool
}

func newFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	}
}

// Init configures the package logger and the logrus standard logger.
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	l := logrus.New()
	level, err := logrus.ParseLevel(strings.TrimSpace(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(newFormatter(config.JSON))

	writers := []io.Writer{os.Stdout}
	fileWriter = nil
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		fileWriter = &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
		currentLogFile = config.OutputFile
	}
	out := io.MultiWriter(writers...)
	l.SetOutput(out)

	// keep logrus.WithField callers writing to the same sinks
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(config.JSON))

	Logger = l
	return nil
}

// InitDefault sets up console + logs/schwabstream.log at info level.
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/schwabstream.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
}

// DisableConsole stops writing to stdout, keeping the log file if one is
// configured. Used when a full-screen UI owns the terminal.
func DisableConsole() {
	logMu.Lock()
	defer logMu.Unlock()
	var out io.Writer = io.Discard
	if fileWriter != nil {
		out = fileWriter
	}
	if Logger != nil {
		Logger.SetOutput(out)
	}
	logrus.SetOutput(out)
}

func base() *logrus.Logger {
	if Logger != nil {
		return Logger
	}
	return logrus.StandardLogger()
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return base().WithField("component", name)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) {
	base().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	base().Infof(format, args...)
}

// Info logs at info level.
func Info(args ...interface{}) {
	base().Info(args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) {
	base().Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	base().Errorf(format, args...)
}

// WithField adds a field to the log context.
func WithField(key string, value interface{}) *logrus.Entry {
	return base().WithField(key, value)
}

// WithFields adds several fields to the log context.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return base().WithFields(fields)
}

// Redact keeps a short prefix of a secret so log lines stay correlatable.
func Redact(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:6] + "***"
}

// GetCurrentLogFile returns the configured log file path, if any.
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
