// Package log builds the structured logger shared by the scheduler
// binaries: JSON records on stderr, mirrored to a rotating file when a
// log directory is configured.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a slog.Logger that owns its rotating log file
type Logger struct {
	*slog.Logger
	LogFile string

	file *lumberjack.Logger
}

// ParseLevel maps a configuration string to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
}

// New creates a logger for the named service. An invalid level falls
// back to info and is reported through the logger itself.
func New(service, level, dir string) *Logger {
	lvl, levelErr := ParseLevel(level)

	var w io.Writer = os.Stderr
	l := &Logger{}
	if dir != "" {
		l.file = &lumberjack.Logger{
			Filename: filepath.Join(dir, service+".slog"),
			MaxSize:  64, // MB
			MaxAge:   14,
			Compress: true,
		}
		l.LogFile = l.file.Filename
		w = io.MultiWriter(os.Stderr, l.file)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	l.Logger = slog.New(h).With(slog.String("service", service))

	if levelErr != nil {
		l.Warn("falling back to info logging", slog.String("error", levelErr.Error()))
	}
	l.Info("logging started",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()),
		slog.String("level", lvl.String()))

	return l
}

// Close flushes and closes the rotating log file, if any
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
