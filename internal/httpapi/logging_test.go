package httpapi

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestLogLevel(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   zerolog.Level
	}{
		{"default", "/x", "", defaultRequestLevel},
		{"query", "/x?log=debug", "", zerolog.DebugLevel},
		{"query shorthand", "/x?log=1", "", zerolog.DebugLevel},
		{"query off", "/x?log=off", "debug", zerolog.Disabled},
		{"header", "/x", "error", zerolog.ErrorLevel},
		{"query beats header", "/x?log=info", "error", zerolog.InfoLevel},
		{"unknown is info", "/x", "loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("X-Log-Level", tc.header)
			}
			if got := requestLogLevel(r); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestLogAt_RespectsRequestLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	r := httptest.NewRequest("GET", "/status?log=error", nil)
	logAt(r, zerolog.InfoLevel).Msg("hidden")
	logAt(r, zerolog.ErrorLevel).Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"path":"/status"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestStreamLogger_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	sl := &streamLogger{log: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	_, _ = sl.Write([]byte("a line\npartial"))
	_, _ = sl.Write([]byte("-cont\n\nlast\n"))

	out := buf.String()
	for _, want := range []string{`"line":"a line"`, `"line":"partial-cont"`, `"line":"last"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if strings.Count(out, "\n") != 3 {
		t.Fatalf("expected 3 log lines, got %q", out)
	}
}
