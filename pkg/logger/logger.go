package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // zerolog's global logger
	"github.com/rs/zerolog/pkgerrors"
)

// InitLogger initializes zerolog's global logger instance.
// LOG_FORMAT=json keeps zerolog's native JSON output, anything else uses the console writer.
// LOG_LEVEL selects the global level and defaults to info.
func InitLogger(format, levelStr string) {
	zerolog.SetGlobalLevel(ParseLevel(levelStr))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	log.Logger = New(format, os.Stderr)

	log.Info().Str("logFormat", format).Str("logLevel", zerolog.GlobalLevel().String()).Msg("Logger initialized")
}

// New builds a timestamped logger writing JSON or console output to w.
// Calling InitLogger again replaces the previous writer.
func New(format string, w io.Writer) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
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
