package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"viewgen/internal/config"
)

const workflowJSON = `{
  "1": {"class_type": "LoadImage", "inputs": {"image": "{{input_image}}"}},
  "2": {"class_type": "KSampler", "inputs": {"seed": "{{seed}}", "text": "{{prompt}}"}}
}`

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubBackend answers the backend HTTP API. Every prompt completes at once
// with output; the stream endpoint is refused unless acceptStream is set.
type stubBackend struct {
	srv          *httptest.Server
	output       []byte
	acceptStream bool

	mu      sync.Mutex
	prompts []json.RawMessage
	uploads []string
	history map[string]string
	conns   []*websocket.Conn
}

func newStubBackend(t *testing.T, output []byte, acceptStream bool) *stubBackend {
	t.Helper()
	sb := &stubBackend{output: output, acceptStream: acceptStream, history: map[string]string{}}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if !sb.acceptStream {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sb.mu.Lock()
		sb.conns = append(sb.conns, conn)
		sb.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("POST /upload/image", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		_, _ = io.Copy(io.Discard, f)
		sb.mu.Lock()
		sb.uploads = append(sb.uploads, hdr.Filename)
		sb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"name": hdr.Filename, "type": "input"})
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt json.RawMessage `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sb.mu.Lock()
		sb.prompts = append(sb.prompts, body.Prompt)
		id := fmt.Sprintf("p%d", len(sb.prompts))
		sb.history[id] = `{"status":{"status_str":"success","completed":true,"messages":[]},` +
			`"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}`
		sb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": 1, "node_errors": map[string]any{}})
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sb.mu.Lock()
		entry := sb.history[id]
		sb.mu.Unlock()
		if entry == "" {
			_, _ = io.WriteString(w, "{}")
			return
		}
		fmt.Fprintf(w, "{%q:%s}", id, entry)
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(sb.output)
	})
	mux.HandleFunc("POST /queue", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /interrupt", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /models/{folder}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	sb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		sb.mu.Lock()
		for _, c := range sb.conns {
			_ = c.Close()
		}
		sb.mu.Unlock()
		sb.srv.Close()
	})
	return sb
}

func (sb *stubBackend) promptCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.prompts)
}

func (sb *stubBackend) prompt(i int) map[string]map[string]map[string]any {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	var out map[string]map[string]map[string]any
	_ = json.Unmarshal(sb.prompts[i], &out)
	return out
}

// testConfig writes a workflow and a view image into a temp dir and returns
// a normalized config pointing at sb.
func testConfig(t *testing.T, sb *stubBackend, view []byte) (config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img2img.json"), []byte(workflowJSON), 0o644))
	viewPath := filepath.Join(dir, "view.png")
	if view != nil {
		require.NoError(t, os.WriteFile(viewPath, view, 0o644))
	}
	cfg := config.Config{
		BackendURL:     sb.srv.URL,
		BackoffMS:      []int{1},
		PollIntervalMS: 5,
		DebounceMS:     config.MinDebounceMS,
		TickMS:         2,
		ViewImage:      viewPath,
		Presets: []config.Preset{
			{Name: "img2img", Workflow: "img2img.json", Model: "sd15.safetensors"},
		},
	}
	require.NoError(t, cfg.Normalize())
	return cfg, dir
}

// startSession builds a session and runs its host loop until the test ends.
func startSession(t *testing.T, cfg config.Config, dir string) *Session {
	t.Helper()
	s, err := New(Options{Config: cfg, BaseDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = s.Close()
	})
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// lockedBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
