package httpapi

import (
	"bytes"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"viewgen/internal/logging"
)

// zlog is the structured logger of the HTTP layer. Silent until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// requestLevel parses a per-request level. Empty means no request logging.
func requestLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.Disabled
	}
	return logging.ParseLevel(s)
}

// defaultRequestLevel applies when a request carries no override.
var defaultRequestLevel = requestLevel(os.Getenv("VIEWGEN_HTTP_LOG_LEVEL"))

// requestLogLevel resolves the level for r: ?log= wins over X-Log-Level,
// which wins over VIEWGEN_HTTP_LOG_LEVEL. ?log=1 is shorthand for debug.
func requestLogLevel(r *http.Request) zerolog.Level {
	switch v := r.URL.Query().Get("log"); v {
	case "":
	case "1":
		return zerolog.DebugLevel
	default:
		return requestLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return requestLevel(v)
	}
	return defaultRequestLevel
}

// logAt returns a log event tagged with the request path and id, or nil
// (which zerolog treats as disabled) when r does not log at lvl.
func logAt(r *http.Request, lvl zerolog.Level) *zerolog.Event {
	if floor := requestLogLevel(r); floor == zerolog.Disabled || lvl < floor {
		return nil
	}
	z := zlog.WithLevel(lvl).Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	return z
}

// streamLogger mirrors complete NDJSON lines of an event stream into the
// debug log, tagged with the request id.
type streamLogger struct {
	pending []byte
	log     zerolog.Logger
}

func newStreamLogger(r *http.Request) *streamLogger {
	l := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return &streamLogger{log: l.Logger()}
}

func (s *streamLogger) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			return len(p), nil
		}
		if line := bytes.TrimSpace(s.pending[:i]); len(line) > 0 {
			s.log.Debug().Bytes("line", line).Msg("event sent")
		}
		s.pending = s.pending[i+1:]
	}
}
