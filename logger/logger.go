package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger = slog.Default()
	once         sync.Once
)

type Config struct {
	Level   string   `json:"level" yaml:"level" mapstructure:"level"`       // debug/info/warn/error
	Outputs []string `json:"outputs" yaml:"outputs" mapstructure:"outputs"` // stdout or file paths
}

// Init builds the global logger from config. Safe to call once; later
// calls are no-ops.
func Init(cfg Config) error {
	var initErr error
	once.Do(func() {
		level := slog.LevelInfo
		switch cfg.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		var writers []io.Writer
		for _, output := range cfg.Outputs {
			switch output {
			case "", "stdout":
				writers = append(writers, os.Stdout)
			case "stderr":
				writers = append(writers, os.Stderr)
			default:
				if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
					initErr = fmt.Errorf("failed to create log directory: %w", err)
					return
				}
				file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err != nil {
					initErr = fmt.Errorf("failed to open log file: %w", err)
					return
				}
				writers = append(writers, file)
			}
		}
		if len(writers) == 0 {
			writers = append(writers, os.Stdout)
		}

		globalLogger = slog.New(slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
			Level: level,
		}))
	})
	return initErr
}

func Debug(msg string, args ...any) {
	globalLogger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	globalLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	globalLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	globalLogger.Error(msg, args...)
}

func Logger() *slog.Logger {
	return globalLogger
}
