package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Setup("info", os.Getenv("APP_ENV") != "production")
}

// Setup rebuilds the global logger with the given level.
// JSON goes to stdout; pretty mode writes a console format to stderr for development.
func Setup(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	Log = zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if pretty {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Component returns a child logger tagged with the pipeline component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
