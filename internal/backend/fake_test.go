package backend

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeBackend speaks just enough of the backend protocol for client tests.
type fakeBackend struct {
	srv *httptest.Server
	up  websocket.Upgrader

	wsAttempts atomic.Int32
	wsRefuse   atomic.Bool

	mu           sync.Mutex
	conns        []*websocket.Conn
	uploads      []string
	uploadAs     map[string]string
	prompts      []promptRequest
	promptStatus int
	promptBody   string
	nextID       int
	history      map[string]string
	historyCode  int
	images       map[string][]byte
	deletes      []string
	interrupts   []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		uploadAs: map[string]string{},
		history:  map[string]string{},
		images:   map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", fb.handleWS)
	mux.HandleFunc("POST /upload/image", fb.handleUpload)
	mux.HandleFunc("POST /prompt", fb.handlePrompt)
	mux.HandleFunc("GET /history/{id}", fb.handleHistory)
	mux.HandleFunc("GET /view", fb.handleView)
	mux.HandleFunc("POST /queue", fb.handleQueue)
	mux.HandleFunc("POST /interrupt", fb.handleInterrupt)
	mux.HandleFunc("GET /models/{folder}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("folder") != "controlnet" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `["control_depth.safetensors"]`)
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.dropStreams()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	fb.wsAttempts.Add(1)
	if fb.wsRefuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fb.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (fb *fakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	_, _ = io.Copy(io.Discard, f)
	fb.mu.Lock()
	fb.uploads = append(fb.uploads, hdr.Filename)
	name := hdr.Filename
	if as, ok := fb.uploadAs[name]; ok {
		name = as
	}
	fb.mu.Unlock()
	_ = json.NewEncoder(w).Encode(uploadResponse{Name: name, Type: "input"})
}

func (fb *fakeBackend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.prompts = append(fb.prompts, req)
	if fb.promptStatus != 0 {
		w.WriteHeader(fb.promptStatus)
		_, _ = io.WriteString(w, fb.promptBody)
		return
	}
	if fb.promptBody != "" {
		_, _ = io.WriteString(w, fb.promptBody)
		return
	}
	fb.nextID++
	_ = json.NewEncoder(w).Encode(map[string]any{
		"prompt_id":   fmt.Sprintf("p%d", fb.nextID),
		"number":      fb.nextID,
		"node_errors": map[string]any{},
	})
}

func (fb *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fb.mu.Lock()
	code, entry, ok := fb.historyCode, fb.history[id], false
	if entry != "" {
		ok = true
	}
	fb.mu.Unlock()
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		_, _ = io.WriteString(w, "{}")
		return
	}
	fmt.Fprintf(w, "{%q:%s}", id, entry)
}

func (fb *fakeBackend) handleView(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	img, ok := fb.images[r.URL.Query().Get("filename")]
	fb.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(img)
}

func (fb *fakeBackend) handleQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delete []string `json:"delete"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fb.mu.Lock()
	fb.deletes = append(fb.deletes, body.Delete...)
	fb.mu.Unlock()
}

func (fb *fakeBackend) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptID string `json:"prompt_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fb.mu.Lock()
	fb.interrupts = append(fb.interrupts, body.PromptID)
	fb.mu.Unlock()
}

// complete records a finished request whose output is img.
func (fb *fakeBackend) complete(id, filename string, img []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.images[filename] = img
	fb.history[id] = fmt.Sprintf(`{"status":{"status_str":"success","completed":true,"messages":[]},`+
		`"outputs":{"12":{"images":[{"filename":"preview.png","subfolder":"","type":"temp"}]},`+
		`"9":{"images":[{"filename":%q,"subfolder":"","type":"output"}]}}}`, filename)
}

func (fb *fakeBackend) fail(id, nodeType, msg string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.history[id] = fmt.Sprintf(`{"status":{"status_str":"error","completed":false,"messages":[`+
		`["execution_start",{"prompt_id":%q}],`+
		`["execution_error",{"prompt_id":%q,"node_type":%q,"exception_message":%q}]]},"outputs":{}}`,
		id, id, nodeType, msg)
}

func (fb *fakeBackend) sendJSON(t *testing.T, typ string, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	fb.send(t, websocket.TextMessage, b)
}

func (fb *fakeBackend) sendPreview(t *testing.T, img []byte) {
	t.Helper()
	msg := make([]byte, 8, 8+len(img))
	binary.BigEndian.PutUint32(msg[0:4], binaryPreviewImage)
	binary.BigEndian.PutUint32(msg[4:8], 2) // format word
	fb.send(t, websocket.BinaryMessage, append(msg, img...))
}

func (fb *fakeBackend) send(t *testing.T, typ int, b []byte) {
	t.Helper()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.conns) == 0 {
		t.Fatalf("no stream connection to send on")
	}
	if err := fb.conns[len(fb.conns)-1].WriteMessage(typ, b); err != nil {
		t.Fatalf("write stream message: %v", err)
	}
}

// dropStreams closes every server-side socket without a close handshake.
func (fb *fakeBackend) dropStreams() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.conns {
		_ = c.UnderlyingConn().Close()
	}
	fb.conns = nil
}

func (fb *fakeBackend) streamCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.conns)
}

func newTestClient(t *testing.T, fb *fakeBackend, tweak func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:          fb.srv.URL,
		Backoff:          []time.Duration{time.Millisecond},
		CloseTimeout:     200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		ArtifactDelay:    5 * time.Millisecond,
		InterruptTimeout: time.Second,
		Logger:           zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *Client) hasWaiter(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[id] != nil
}

func (c *Client) hasFinished(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finished[id]
	return ok
}
