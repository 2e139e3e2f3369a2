// Package accesslog implements the write-log call the worker invokes
// once per completed request (spec §1: "access-log formatting (only a
// write-log call is specified)"). Formatting and rotation are an
// external collaborator's concern; this package only defines the
// entry shape and emits it through the shared structured logger.
package accesslog

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosrabelo/webproxy/pkg/logger"
)

// Entry is one completed request's access record.
type Entry struct {
	RemoteAddr string
	Method     string
	Path       string
	Status     int
	BytesSent  uint64
	Duration   time.Duration
	Route      string
}

// Logger writes Entry records through the "access" component logger
// that New binds it to; the zero value is not bound to that logger.
type Logger struct {
	log zerolog.Logger
}

func New() *Logger {
	return &Logger{log: logger.Component("access")}
}

// Write emits one access-log line. It never returns an error: a
// logging failure must not affect request handling, matching the
// worker's single-threaded reactor design where accesslog is a fire-
// and-forget sink.
func (l *Logger) Write(e Entry) {
	l.log.Info().
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Uint64("bytes_sent", e.BytesSent).
		Dur("duration", e.Duration).
		Str("route", e.Route).
		Msg("request")
}

// RemoteIP extracts the bare IP from a net.Addr for Entry.RemoteAddr,
// the same host-only convention internal/admission uses.
func RemoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
