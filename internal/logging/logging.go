// Package logging centralizes op/go-logging setup, mirroring how the
// daemon it's grounded on wires one leveled, colorized backend and hands
// out named sub-loggers per module.
package logging

import (
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} [%{module}]%{color:reset} %{message}`,
)

var configured bool

// Setup installs a leveled stderr backend at defaultLevel, overridable
// per-process via the SMUX_LOG_LEVEL environment variable. Safe to call
// more than once; later calls replace the backend.
func Setup(defaultLevel logging.Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(levelFromEnv(defaultLevel), "")
	logging.SetBackend(leveled)
	configured = true
}

func levelFromEnv(fallback logging.Level) logging.Level {
	switch os.Getenv("SMUX_LOG_LEVEL") {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		return fallback
	}
}

// Logger is a thin alias so callers outside this package don't import
// op/go-logging directly.
type Logger = logging.Logger

// Get returns a named sub-logger. Modules should call this once at
// package init and keep the result, the same pattern op/go-logging's
// MustGetLogger encourages.
func Get(module string) *Logger {
	if !configured {
		Setup(logging.INFO)
	}
	return logging.MustGetLogger(module)
}
