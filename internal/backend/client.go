// Package backend is the streaming client for the image-generation backend.
//
// Requests are submitted over stateless HTTP calls; progress, previews and
// completion arrive over a persistent websocket subscribed with the same
// client id. When the websocket is unavailable or drops mid-wait, Await
// falls back to polling the history endpoint for that one request.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultReconnectAttempts  = 3
	defaultDialTimeout        = 5 * time.Second
	defaultCloseTimeout       = 1 * time.Second
	defaultAwaitTimeout       = 5 * time.Minute
	defaultRequestTimeout     = 30 * time.Second
	defaultInterruptTimeout   = 5 * time.Second
	defaultPollInterval       = 150 * time.Millisecond
	defaultMaxPollFailures    = 40
	defaultArtifactAttempts   = 5
	defaultArtifactDelay      = 200 * time.Millisecond
	defaultReceiveBufferBytes = 64 << 10
	defaultMaxMessageBytes    = 32 << 20
	maxFinishedRemembered     = 64
	waiterEventBuffer         = 64
)

// DefaultBackoff is the wait schedule between connect attempts.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 5 * time.Second}

// Config holds client tunables. Zero values select defaults.
type Config struct {
	BaseURL            string
	ClientID           string
	ReconnectAttempts  int
	Backoff            []time.Duration
	DialTimeout        time.Duration
	CloseTimeout       time.Duration
	AwaitTimeout       time.Duration
	RequestTimeout     time.Duration
	InterruptTimeout   time.Duration
	PollInterval       time.Duration
	MaxPollFailures    int
	ArtifactAttempts   int
	ArtifactDelay      time.Duration
	ReceiveBufferBytes int
	MaxMessageBytes    int
	HTTPClient         *http.Client
	Logger             zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = defaultAwaitTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = defaultInterruptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = defaultMaxPollFailures
	}
	if c.ArtifactAttempts <= 0 {
		c.ArtifactAttempts = defaultArtifactAttempts
	}
	if c.ArtifactDelay <= 0 {
		c.ArtifactDelay = defaultArtifactDelay
	}
	if c.ReceiveBufferBytes <= 0 {
		c.ReceiveBufferBytes = defaultReceiveBufferBytes
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.ReceiveBufferBytes > c.MaxMessageBytes {
		c.ReceiveBufferBytes = c.MaxMessageBytes
	}
}

// terminal is the stream's verdict for one request.
type terminal struct {
	err error // nil on success
}

// waiter is the per-request mailbox filled by the read loop and drained by Await.
type waiter struct {
	events   chan Event
	terminal chan terminal
}

// Client talks to one backend. It owns at most one websocket at a time.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    zerolog.Logger

	connectSlot chan struct{} // 1-slot semaphore serializing Connect

	mu        sync.Mutex
	state     ConnectionState
	conn      *websocket.Conn
	lost      chan struct{} // closed when the current connection's read loop exits
	readDone  chan struct{}
	waiters   map[string]*waiter
	finished  map[string]terminal
	finOrder  []string
	executing string

	closing   chan struct{}
	closeOnce sync.Once
}

// New validates cfg and constructs a disconnected client.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("backend: empty base URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	cli := cfg.HTTPClient
	if cli == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		// Timeout=0: every call carries its own context deadline.
		cli = &http.Client{Transport: tr, Timeout: 0}
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: cli,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   cfg.ReceiveBufferBytes,
		},
		log:      cfg.Logger,
		waiters:  make(map[string]*waiter),
		finished: make(map[string]terminal),
		closing:  make(chan struct{}),

		connectSlot: make(chan struct{}, 1),
	}, nil
}

// ClientID is the id used both for submission and the stream subscription.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// State returns the streaming channel state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close aborts any pending connect, disconnects the stream and drops idle
// HTTP connections. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.Disconnect()
	if tr, ok := c.http.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
	return err
}

func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do performs a stateless call with the per-request timeout applied.
// Non-2xx responses are returned with the body read (up to 64 KiB).
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	limit := int64(64 << 10)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		limit = int64(c.cfg.MaxMessageBytes)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}
