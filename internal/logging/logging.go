// Package logging configures the global zerolog logger and the structured
// request lines shared by the transport and the plugin runtime.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	InitLoggerTo(os.Stdout, debug, human)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(out io.Writer, debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano            // always initialize base logger with timestamp.
	base := zerolog.New(out).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// SetLevel applies a configured level name on top of InitLogger. Unknown
// names are an error and leave the level unchanged.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return nil
}

// LogRequest logs a handled HTTP request with structured fields.
func LogRequest(
	clientIP string,
	method string,
	path string,
	requestID string,
	status int,
	duration time.Duration,
) {
	ev := log.Info()
	if status >= 500 {
		ev = log.Error()
	} else if status >= 400 {
		ev = log.Warn()
	}
	ev.Str("event", "request_handled").
		Str("client_ip", clientIP).
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", status).
		Str("duration", duration.String()).
		Msg("handled request")
}

// LogSocket logs an opened duplex connection.
func LogSocket(plugin, path, clientIP string) {
	log.Info().
		Str("event", "socket_open").
		Str("plugin", plugin).
		Str("method", "SOCKET").
		Str("path", path).
		Str("client_ip", clientIP).
		Msg("socket connection opened")
}
