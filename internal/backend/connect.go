package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Connect establishes the streaming channel. It is a no-op when already
// connected. Failed dials are retried up to ReconnectAttempts times, waiting
// Backoff[i] between attempts; caller cancellation or Close abort the
// schedule immediately, including while waiting behind another Connect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case c.connectSlot <- struct{}{}:
	case <-ctx.Done():
		return &ConnectionError{Op: "connect", Err: ctx.Err()}
	case <-c.closing:
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	}
	defer func() { <-c.connectSlot }()

	if c.State() == Connected {
		return nil
	}
	if c.isClosing() {
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	}
	c.setState(Connecting)

	var lastErr error
	attempts := c.cfg.ReconnectAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			connectAttempts.WithLabelValues("ok").Inc()
			c.attach(conn)
			c.log.Info().Str("event", "stream_connected").Int("attempt", attempt).Str("client_id", c.cfg.ClientID).Msg("stream connected")
			return nil
		}
		connectAttempts.WithLabelValues("error").Inc()
		lastErr = err
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return &ConnectionError{Op: "connect", Attempts: attempt, Err: ctx.Err()}
		}
		if attempt == attempts {
			break
		}
		delay := c.backoff(attempt)
		c.log.Warn().Str("event", "stream_retry").Int("attempt", attempt).Int("max_attempts", attempts).Dur("delay", delay).Err(err).Msg("stream connect failed")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.setState(Disconnected)
			return &ConnectionError{Op: "connect", Attempts: attempt, Err: ctx.Err()}
		case <-c.closing:
			t.Stop()
			c.setState(Disconnected)
			return &ConnectionError{Op: "connect", Attempts: attempt, Err: ErrClosed}
		}
	}
	c.setState(Disconnected)
	c.log.Error().Str("event", "stream_unavailable").Int("attempts", attempts).Err(lastErr).Msg("stream connect gave up")
	return &ConnectionError{Op: "connect", Attempts: attempts, Err: lastErr}
}

// backoff returns the wait after the given failed attempt (1-based). The last
// schedule entry repeats when attempts outnumber it.
func (c *Client) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(c.cfg.Backoff) {
		i = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[i]
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/ws"
	u.RawQuery = url.Values{"clientId": {c.cfg.ClientID}}.Encode()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) attach(conn *websocket.Conn) {
	lost := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.lost = lost
	c.readDone = done
	c.executing = ""
	c.mu.Unlock()
	go c.readLoop(conn, lost, done)
}

// Disconnect closes the streaming channel. It sends a close frame and waits
// up to CloseTimeout for the peer, then closes the socket regardless.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(c.cfg.CloseTimeout)
	werr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if werr == nil {
		t := time.NewTimer(c.cfg.CloseTimeout)
		select {
		case <-done:
		case <-t.C:
		}
		t.Stop()
	}
	_ = conn.Close()
	<-done
	c.log.Info().Str("event", "stream_disconnected").Msg("stream disconnected")
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("backend: graceful close: %w", werr)
	}
	return nil
}

// readLoop owns conn's read side until it fails. Exiting closes lost so any
// Await bound to this connection switches to polling.
func (c *Client) readLoop(conn *websocket.Conn, lost, done chan struct{}) {
	defer close(done)
	var err error
	for {
		typ, r, rerr := conn.NextReader()
		if rerr != nil {
			err = rerr
			break
		}
		var (
			data []byte
			ok   bool
		)
		data, ok, err = readMessage(r, c.cfg.ReceiveBufferBytes, c.cfg.MaxMessageBytes)
		if err != nil {
			break
		}
		if !ok {
			droppedMessages.WithLabelValues("oversized").Inc()
			c.log.Debug().Str("event", "message_dropped").Int("cap", c.cfg.MaxMessageBytes).Msg("oversized stream message dropped")
			continue
		}
		switch typ {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = Disconnected
		c.executing = ""
	}
	c.mu.Unlock()
	close(lost)

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug().Str("event", "stream_closed").Msg("stream closed")
		return
	}
	c.log.Warn().Str("event", "stream_lost").Err(err).Msg("stream read failed")
}
