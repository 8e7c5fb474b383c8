// Package monitoring holds the process logger and panic-recovery helpers
// shared by every goroutine the hub spawns.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/config"
	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide structured logger.
func NewLogger(level config.LogLevel, format config.LogFormat) zerolog.Logger {
	var output io.Writer = os.Stdout

	var zlevel zerolog.Level
	switch level {
	case config.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	case config.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case config.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case config.LogLevelError:
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	if format == config.LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "chatserver").
		Logger()
}

// RecoverPanic is deferred at the top of the hub's long-running goroutines
// (read pumps, write pumps, the sweeper). It logs a recovered panic at Error
// level instead of letting it crash the process: one bad connection must
// not take down the hub.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}

	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg("panic recovered, goroutine exiting, server continues")
}
