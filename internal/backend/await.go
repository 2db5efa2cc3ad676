package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var errAwaitCeiling = errors.New("await ceiling reached")

// Await blocks until requestID reaches a terminal state, ctx is cancelled or
// the await ceiling elapses. Progress and preview events are passed to
// onEvent on the calling goroutine; onEvent is never called after Await
// returns. If the stream is unavailable, or drops while waiting, the request
// is tracked by polling instead.
func (c *Client) Await(ctx context.Context, requestID string, onEvent func(Event)) (Output, error) {
	start := time.Now()
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.AwaitTimeout, errAwaitCeiling)
	defer cancel()

	w, lost, early := c.register(requestID)
	defer c.unregister(requestID, w)

	if early != nil {
		return c.conclude(ctx, requestID, *early, start, false)
	}
	if lost == nil {
		c.log.Debug().Str("event", "await_poll").Str("request_id", requestID).Msg("stream unavailable, polling")
		return c.poll(ctx, requestID, start)
	}

	lastStep := -1
	emit := func(ev Event) {
		if ev.Kind == EventProgress {
			if ev.Step < lastStep {
				return
			}
			lastStep = ev.Step
		}
		onEvent(ev)
	}
	for {
		select {
		case ev := <-w.events:
			emit(ev)
		case t := <-w.terminal:
			// Flush anything that arrived before the verdict.
			for drained := false; !drained; {
				select {
				case ev := <-w.events:
					emit(ev)
				default:
					drained = true
				}
			}
			return c.conclude(ctx, requestID, t, start, false)
		case <-lost:
			pollFallbacks.Inc()
			c.log.Info().Str("event", "await_fallback").Str("request_id", requestID).Msg("stream lost, polling")
			return c.poll(ctx, requestID, start)
		case <-ctx.Done():
			return Output{}, c.waitErr(ctx, requestID)
		}
	}
}

// register installs the mailbox for id and returns the current connection's
// lost channel (nil when not connected) and any verdict that arrived early.
func (c *Client) register(id string) (*waiter, <-chan struct{}, *terminal) {
	w := &waiter{
		events:   make(chan Event, waiterEventBuffer),
		terminal: make(chan terminal, 1),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[id] = w
	var early *terminal
	if t, ok := c.finished[id]; ok {
		delete(c.finished, id)
		early = &t
	}
	if c.state != Connected || c.conn == nil {
		return w, nil, early
	}
	return w, c.lost, early
}

func (c *Client) unregister(id string, w *waiter) {
	c.mu.Lock()
	if c.waiters[id] == w {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
}

func (c *Client) waitErr(ctx context.Context, id string) error {
	if errors.Is(context.Cause(ctx), errAwaitCeiling) {
		return &TimeoutError{RequestID: id, After: c.cfg.AwaitTimeout.String()}
	}
	return &CancelledError{RequestID: id, Err: ctx.Err()}
}

func (c *Client) conclude(ctx context.Context, id string, t terminal, start time.Time, viaPoll bool) (Output, error) {
	if t.err != nil {
		return Output{}, t.err
	}
	out, err := c.fetchResult(ctx, id, start)
	out.ViaPoll = viaPoll
	return out, err
}

// poll tracks id through the history endpoint until it finishes.
func (c *Client) poll(ctx context.Context, id string, start time.Time) (Output, error) {
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()
	failures := 0
	for {
		entry, err := c.history(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Output{}, c.waitErr(ctx, id)
			}
			failures++
			c.log.Debug().Str("event", "poll_error").Str("request_id", id).Int("failures", failures).Err(err).Msg("status poll failed")
			if failures >= c.cfg.MaxPollFailures {
				return Output{}, &ConnectionError{Op: "poll", Attempts: failures, Err: err}
			}
		case entry != nil && entry.failed():
			return Output{}, entry.executionError(id)
		case entry != nil && entry.done():
			out, err := c.fetchResult(ctx, id, start)
			out.ViaPoll = true
			return out, err
		default:
			failures = 0
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return Output{}, c.waitErr(ctx, id)
		}
	}
}

// fetchResult downloads the final artifact, retrying while the history
// entry or its outputs are not yet visible.
func (c *Client) fetchResult(ctx context.Context, id string, start time.Time) (Output, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ArtifactAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(c.cfg.ArtifactDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return Output{}, c.waitErr(ctx, id)
			}
		}
		entry, err := c.history(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return Output{}, c.waitErr(ctx, id)
			}
			lastErr = err
			continue
		}
		if entry == nil {
			lastErr = fmt.Errorf("history for %s not yet available", id)
			continue
		}
		if entry.failed() {
			return Output{}, entry.executionError(id)
		}
		ref, ok := entry.firstImage()
		if !ok {
			lastErr = errNoOutput
			continue
		}
		data, err := c.view(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return Output{}, c.waitErr(ctx, id)
			}
			lastErr = err
			continue
		}
		c.log.Info().Str("event", "result_fetched").Str("request_id", id).Str("filename", ref.Filename).Int("attempt", attempt).Int("bytes", len(data)).Msg("result downloaded")
		return Output{RequestID: id, Image: data, Filename: ref.Filename, Elapsed: time.Since(start)}, nil
	}
	return Output{}, &ConnectionError{Op: "fetch result", Attempts: c.cfg.ArtifactAttempts, Err: lastErr}
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

func (h *historyEntry) failed() bool { return h.Status.StatusStr == "error" }

func (h *historyEntry) done() bool {
	return h.Status.Completed || h.Status.StatusStr == "success"
}

func (h *historyEntry) executionError(id string) error {
	e := &ExecutionError{RequestID: id}
	for _, m := range h.Status.Messages {
		if len(m) != 2 {
			continue
		}
		var kind string
		if json.Unmarshal(m[0], &kind) != nil || kind != "execution_error" {
			continue
		}
		var d executionErrorData
		if json.Unmarshal(m[1], &d) == nil {
			e.NodeType = d.NodeType
			e.Message = d.ExceptionMessage
		}
	}
	return e
}

// firstImage picks the first saved output image in node order, falling back
// to any image (e.g. temp previews) when no node saved one.
func (h *historyEntry) firstImage() (imageRef, bool) {
	nodes := make([]string, 0, len(h.Outputs))
	for k := range h.Outputs {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	var fallback *imageRef
	for _, n := range nodes {
		for _, img := range h.Outputs[n].Images {
			if img.Filename == "" {
				continue
			}
			if img.Type == "output" || img.Type == "" {
				return img, true
			}
			if fallback == nil {
				im := img
				fallback = &im
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return imageRef{}, false
}

// history fetches the entry for id; a nil entry means the backend does not
// know the request as finished yet.
func (c *Client) history(ctx context.Context, id string) (*historyEntry, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(id), nil, nil, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("history status %d: %s", status, strings.TrimSpace(string(body)))
	}
	var all map[string]historyEntry
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	e, ok := all[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *Client) view(ctx context.Context, ref imageRef) ([]byte, error) {
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q := url.Values{"filename": {ref.Filename}, "subfolder": {ref.Subfolder}, "type": {typ}}
	status, body, err := c.do(ctx, http.MethodGet, "/view", q, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("view %s: status %d", ref.Filename, status)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("view %s: empty body", ref.Filename)
	}
	return body, nil
}
