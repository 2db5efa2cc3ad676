package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// Binary message type tags.
const (
	binaryPreviewImage         = 1
	binaryPreviewImageMetadata = 2
)

// readMessage accumulates one stream message from r. The buffer starts at
// initial bytes and doubles as needed up to limit. A message larger than
// limit is drained and reported with ok=false; err is only set when the
// underlying reader fails.
func readMessage(r io.Reader, initial, limit int) (data []byte, ok bool, err error) {
	if initial <= 0 {
		initial = 4096
	}
	if initial > limit {
		initial = limit
	}
	buf := make([]byte, initial)
	n := 0
	for {
		if n == len(buf) {
			if len(buf) >= limit {
				// Probe for one more byte before declaring the message oversized.
				var one [1]byte
				if m, rerr := io.ReadFull(r, one[:]); m == 0 {
					if rerr == io.EOF {
						return buf[:n], true, nil
					}
					return nil, false, rerr
				}
				if _, derr := io.Copy(io.Discard, r); derr != nil {
					return nil, false, derr
				}
				return nil, false, nil
			}
			size := 2 * len(buf)
			if size > limit {
				size = limit
			}
			grown := make([]byte, size)
			copy(grown, buf[:n])
			buf = grown
		}
		m, rerr := r.Read(buf[n:])
		n += m
		if rerr == io.EOF {
			return buf[:n], true, nil
		}
		if rerr != nil {
			return nil, false, rerr
		}
	}
}

// envelope is a structured stream message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    *int   `json:"value"`
	Step     *int   `json:"step"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type promptData struct {
	PromptID string `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

func (c *Client) handleText(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		droppedMessages.WithLabelValues("malformed").Inc()
		c.log.Debug().Str("event", "message_malformed").Err(err).Msg("unparseable stream message")
		return
	}
	switch env.Type {
	case "execution_start":
		var d promptData
		if json.Unmarshal(env.Data, &d) == nil && d.PromptID != "" {
			c.setExecuting(d.PromptID)
		}
	case "executing":
		var d executingData
		if json.Unmarshal(env.Data, &d) != nil {
			return
		}
		if d.Node == nil {
			id := d.PromptID
			if id == "" {
				id = c.currentExecuting()
			}
			if id != "" {
				c.finish(id, terminal{})
			}
			return
		}
		if d.PromptID != "" {
			c.setExecuting(d.PromptID)
		}
	case "execution_success":
		var d promptData
		if json.Unmarshal(env.Data, &d) == nil && d.PromptID != "" {
			c.finish(d.PromptID, terminal{})
		}
	case "execution_error":
		var d executionErrorData
		if json.Unmarshal(env.Data, &d) != nil {
			return
		}
		id := d.PromptID
		if id == "" {
			id = c.currentExecuting()
		}
		if id != "" {
			c.finish(id, terminal{err: &ExecutionError{RequestID: id, NodeType: d.NodeType, Message: d.ExceptionMessage}})
		}
	case "execution_interrupted":
		var d promptData
		if json.Unmarshal(env.Data, &d) == nil && d.PromptID != "" {
			c.finish(d.PromptID, terminal{err: &ExecutionError{RequestID: d.PromptID, Message: "interrupted"}})
		}
	case "progress":
		var d progressData
		if json.Unmarshal(env.Data, &d) != nil {
			return
		}
		step := 0
		switch {
		case d.Value != nil:
			step = *d.Value
		case d.Step != nil:
			step = *d.Step
		}
		id := d.PromptID
		if id == "" {
			id = c.currentExecuting()
		}
		c.deliver(Event{Kind: EventProgress, RequestID: id, Step: step, Max: d.Max})
	default:
		// status, executed, execution_cached and friends carry nothing we track.
	}
}

func (c *Client) handleBinary(data []byte) {
	if len(data) < 4 {
		droppedMessages.WithLabelValues("malformed").Inc()
		return
	}
	switch binary.BigEndian.Uint32(data[:4]) {
	case binaryPreviewImage:
		img := previewPayload(data[4:])
		if len(img) == 0 {
			droppedMessages.WithLabelValues("malformed").Inc()
			return
		}
		c.deliver(Event{Kind: EventPreview, RequestID: c.currentExecuting(), Image: img})
	case binaryPreviewImageMetadata:
		droppedMessages.WithLabelValues("unsupported").Inc()
	default:
		droppedMessages.WithLabelValues("unknown_type").Inc()
	}
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	webpMagic = []byte("RIFF")
)

func isImageMagic(b []byte) bool {
	return bytes.HasPrefix(b, jpegMagic) || bytes.HasPrefix(b, pngMagic) || bytes.HasPrefix(b, webpMagic)
}

// previewPayload strips the optional 4-byte image-format word that some
// backends place between the type tag and the encoded image.
func previewPayload(b []byte) []byte {
	if isImageMagic(b) {
		return b
	}
	if len(b) > 4 && isImageMagic(b[4:]) {
		return b[4:]
	}
	return b
}

func (c *Client) setExecuting(id string) {
	c.mu.Lock()
	c.executing = id
	c.mu.Unlock()
}

func (c *Client) currentExecuting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// deliver hands ev to the waiter for its request. Events that cannot be
// attributed to an awaited request are discarded; a full mailbox drops the event.
func (c *Client) deliver(ev Event) {
	if ev.RequestID == "" {
		droppedMessages.WithLabelValues("unattributed").Inc()
		return
	}
	c.mu.Lock()
	w := c.waiters[ev.RequestID]
	c.mu.Unlock()
	if w == nil {
		droppedMessages.WithLabelValues("unattributed").Inc()
		return
	}
	select {
	case w.events <- ev:
	default:
		droppedMessages.WithLabelValues("backlog").Inc()
	}
}

// finish records the terminal verdict for id. If nobody awaits id yet the
// verdict is remembered (bounded) for a late Await.
func (c *Client) finish(id string, t terminal) {
	c.mu.Lock()
	if c.executing == id {
		c.executing = ""
	}
	w := c.waiters[id]
	if w == nil {
		if _, seen := c.finished[id]; !seen {
			c.finOrder = append(c.finOrder, id)
			if len(c.finOrder) > maxFinishedRemembered {
				delete(c.finished, c.finOrder[0])
				c.finOrder = c.finOrder[1:]
			}
		}
		c.finished[id] = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	select {
	case w.terminal <- t:
	default:
	}
}

var errNoOutput = errors.New("history entry has no image output")
