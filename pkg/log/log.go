// Package log provides agentd's structured logging on top of zerolog:
// a package-level Logger that Init configures from a level on the agent
// configuration's 0-9 LogLevel scale, plus child-logger constructors for the
// identifiers every service logs against (service name, child-context
// index, connection id).
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. It is the zero value until
// Init is called.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is the agent configuration's 0-9 log level (spec section
	// 3): 0-1 map to Error, 2-3 to Warn, 4-6 to Info, 7-9 to Debug.
	Level      int64
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(levelFromConfig(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func levelFromConfig(level int64) zerolog.Level {
	switch {
	case level <= 1:
		return zerolog.ErrorLevel
	case level <= 3:
		return zerolog.WarnLevel
	case level <= 6:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// WithService creates a child logger tagged with the owning service
// name (e.g. "dataservice", "canonization", "protocol").
func WithService(service string) zerolog.Logger {
	return Logger.With().Str("service", service).Logger()
}

// WithChildIndex creates a child logger tagged with a data-service
// child-context index.
func WithChildIndex(idx uint32) zerolog.Logger {
	return Logger.With().Uint32("child_index", idx).Logger()
}

// WithConnection creates a child logger tagged with a protocol-service
// connection identifier.
func WithConnection(connID string) zerolog.Logger {
	return Logger.With().Str("conn", connID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
