package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeySession = "session"
	KeyServer  = "server"
	KeyAccount = "account"
	KeyState   = "state"
	KeyError   = "error"
)

// Session returns a slog attribute for the session id.
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// Server returns a slog attribute for the upstream server name.
func Server(name string) slog.Attr {
	return slog.String(KeyServer, name)
}

// Account returns a slog attribute for the local account name.
func Account(name string) slog.Attr {
	return slog.String(KeyAccount, name)
}

// State returns a slog attribute for the session state name.
func State(state string) slog.Attr {
	return slog.String(KeyState, state)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted
// from output, so Err(maybeNilErr) is always safe to pass.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// SanitizeToken returns a masked version of a token for logging.
// Only the length is exposed; even token prefixes can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// Setup configures the default slog logger. format is "text" or "json",
// level one of debug/info/warn/error.
func Setup(format, level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
