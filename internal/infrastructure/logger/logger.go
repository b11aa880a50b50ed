package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "gallery-api"

var (
	globalLogger zerolog.Logger
	once         sync.Once
)

// GetLogger returns the process-wide logger. Before New has run it falls
// back to console output at info level, so early startup paths (database
// connect, crontab registration) can still log.
func GetLogger() zerolog.Logger {
	once.Do(func() {
		globalLogger = build(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}, zerolog.InfoLevel)
	})
	return globalLogger
}

// New configures the root logger from LOG_LEVEL/LOG_FORMAT. Unknown values
// are rejected so a typo in an env file fails startup instead of silently
// logging at the wrong level. Pipeline components derive sub-loggers from
// the returned logger via With().Str("component", ...).
func New(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var out io.Writer
	switch strings.ToLower(format) {
	case "json":
		out = os.Stdout
	case "console":
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	default:
		return zerolog.Logger{}, fmt.Errorf("unsupported log format %q", format)
	}

	zerolog.SetGlobalLevel(lvl)
	globalLogger = build(out, lvl)
	return globalLogger, nil
}

func build(out io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}
