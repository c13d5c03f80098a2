// Package log wraps zerolog behind a process-wide sink so every package
// logs through the same configured writer, tagged per component.
package log

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cui-project/cui-server/config"
)

var logger zerolog.Logger

func init() {
	cfg := config.Get()

	// Console output in development, JSON lines everywhere else.
	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.TimeOnly,
		}
	}

	logger = zerolog.New(out).
		Level(levelFromEnv()).
		With().
		Timestamp().
		Logger()
}

// levelFromEnv reads CUI_LOG_LEVEL; unset or unknown values mean info.
func levelFromEnv() zerolog.Level {
	switch strings.ToLower(os.Getenv("CUI_LOG_LEVEL")) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetLogger returns a logger tagged with a component name. Components
// are the package-level subsystems (Claude, Stream, History, ...), so
// one grep on the field isolates a subsystem's output.
func GetLogger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func Debug() *zerolog.Event { return logger.Debug() }
func Info() *zerolog.Event  { return logger.Info() }
func Warn() *zerolog.Event  { return logger.Warn() }
func Error() *zerolog.Event { return logger.Error() }
func Fatal() *zerolog.Event { return logger.Fatal() }

// stdWriter adapts the sink to io.Writer for stdlib consumers. net/http
// reports operational noise (broken pipes, TLS handshake failures)
// through ErrorLog, which maps to warn here.
type stdWriter struct {
	l zerolog.Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.Warn().Msg(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// StdErrorLogger returns a *log.Logger suitable for http.Server.ErrorLog.
func StdErrorLogger() *stdlog.Logger {
	return stdlog.New(stdWriter{l: GetLogger("Http")}, "", 0)
}
