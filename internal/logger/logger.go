package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and output format of the global logger.
type Config struct {
	Level       string
	Environment string
}

// Global logger instance. Disabled until Init is called.
var log = zerolog.Nop()

// Init initializes the global logger.
// Supported levels: trace, debug, info, warn, error, fatal, panic
func Init(cfg Config) {
	InitWithWriter(cfg, nil)
}

// InitWithWriter is Init with an explicit destination. A nil writer selects
// stdout (console format outside production).
func InitWithWriter(cfg Config, w io.Writer) {
	level := parseLogLevel(cfg.Level)

	output := w
	if output == nil {
		if cfg.Environment == "production" {
			output = os.Stdout
		} else {
			output = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
	}

	log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &log
}

// Debug returns a debug level event
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info returns an info level event
func Info() *zerolog.Event {
	return log.Info()
}

// Warn returns a warn level event
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error returns an error level event
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal returns a fatal level event
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// ForOrg returns a child logger tagged with an org id and family.
func ForOrg(orgID, family string) *zerolog.Logger {
	l := log.With().Str("org_id", orgID).Str("family", family).Logger()
	return &l
}
