package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how much the till logs.
type Config struct {
	// Level is a logrus level name ("debug", "info", "warn", ...).
	Level string
	// Path is the log directory. Empty disables file output.
	Path string
	// MaxSizeMB, MaxBackups and MaxAgeDays configure rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig logs at info level to stdout only.
func DefaultConfig() Config {
	return Config{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14}
}

var (
	mu   sync.RWMutex
	root = newLogger(os.Stdout, logrus.InfoLevel)
)

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	return l
}

// Init replaces the process logger. File output goes through lumberjack so
// a till left running for weeks never fills its disk.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Path, "till.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	mu.Lock()
	root = newLogger(out, level)
	mu.Unlock()
	return nil
}

// L returns the process logger.
func L() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return L().WithField("component", component)
}

// SetOutput redirects the process logger; tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	root.SetOutput(w)
	mu.Unlock()
}
