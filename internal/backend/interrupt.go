package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Interrupt asks the backend to drop requestID from its queue and to stop it
// if it is running. Best effort: failures are logged and counted, never
// returned. The interrupt is scoped to requestID so it cannot stop a newer
// request that has already started.
func (c *Client) Interrupt(ctx context.Context, requestID string) {
	if requestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InterruptTimeout)
	defer cancel()

	ok := true
	del, _ := json.Marshal(map[string][]string{"delete": {requestID}})
	if err := c.post(ctx, "/queue", del); err != nil {
		ok = false
		c.log.Warn().Str("event", "interrupt_dequeue_failed").Str("request_id", requestID).Err(err).Msg("dequeue failed")
	}
	stop, _ := json.Marshal(map[string]string{"prompt_id": requestID})
	if err := c.post(ctx, "/interrupt", stop); err != nil {
		ok = false
		c.log.Warn().Str("event", "interrupt_failed").Str("request_id", requestID).Err(err).Msg("interrupt failed")
	}
	if ok {
		interrupts.WithLabelValues("ok").Inc()
		c.log.Info().Str("event", "interrupted").Str("request_id", requestID).Msg("interrupt sent")
		return
	}
	interrupts.WithLabelValues("error").Inc()
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	status, resp, err := c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s: status %d: %s", path, status, string(resp))
	}
	return nil
}
