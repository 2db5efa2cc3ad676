package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// Submit uploads req's inputs and enqueues its payload, returning the
// backend's request id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	if c.isClosing() {
		return "", &ConnectionError{Op: "submit", Err: ErrClosed}
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
		return "", &RejectedError{Detail: "payload is not a JSON object"}
	}

	renamed, err := c.uploadInputs(ctx, req.Inputs)
	if err != nil {
		return "", err
	}
	if len(renamed) > 0 {
		if payload, err = rebindNames(payload, renamed); err != nil {
			return "", &RejectedError{Detail: err.Error()}
		}
	}

	body, _ := json.Marshal(promptRequest{Prompt: payload, ClientID: c.cfg.ClientID})
	status, resp, err := c.do(ctx, http.MethodPost, "/prompt", nil, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", c.transportErr(ctx, "submit", err)
	}
	if status >= 400 && status < 500 {
		return "", &RejectedError{Status: status, Detail: strings.TrimSpace(string(resp))}
	}
	if status < 200 || status >= 300 {
		return "", &ConnectionError{Op: "submit", Err: fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(resp)))}
	}
	var pr promptResponse
	if err := json.Unmarshal(resp, &pr); err != nil {
		return "", &ConnectionError{Op: "submit", Err: fmt.Errorf("decode response: %w", err)}
	}
	if ne := bytes.TrimSpace(pr.NodeErrors); len(ne) > 0 && !bytes.Equal(ne, []byte("{}")) && !bytes.Equal(ne, []byte("null")) {
		return "", &RejectedError{Status: status, Detail: string(ne)}
	}
	if pr.PromptID == "" {
		return "", &RejectedError{Status: status, Detail: "response carried no prompt_id"}
	}
	c.log.Info().Str("event", "submitted").Str("request_id", pr.PromptID).Int("queue_number", pr.Number).Int("inputs", len(req.Inputs)).Int64("seed", req.Seed).Msg("request enqueued")
	return pr.PromptID, nil
}

// uploadInputs uploads all inputs concurrently and returns the inputs whose
// stored name differs from the requested one.
func (c *Client) uploadInputs(ctx context.Context, inputs []Input) (map[string]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	stored := make([]string, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			name, err := c.upload(gctx, in)
			if err != nil {
				return err
			}
			stored[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, &CancelledError{Err: ctx.Err()}
		}
		return nil, err
	}
	renamed := make(map[string]string)
	for i, in := range inputs {
		if stored[i] != in.Name {
			renamed[in.Name] = stored[i]
		}
	}
	return renamed, nil
}

func (c *Client) upload(ctx context.Context, in Input) (string, error) {
	if in.Name == "" || len(in.Data) == 0 {
		return "", &RejectedError{Detail: "input image requires a name and data"}
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", in.Name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(in.Data); err != nil {
		return "", err
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", err
	}

	status, resp, err := c.do(ctx, http.MethodPost, "/upload/image", nil, &body, mw.FormDataContentType())
	if err != nil {
		return "", c.transportErr(ctx, "upload", err)
	}
	if status >= 400 && status < 500 {
		return "", &RejectedError{Status: status, Detail: "upload " + in.Name + ": " + strings.TrimSpace(string(resp))}
	}
	if status < 200 || status >= 300 {
		return "", &ConnectionError{Op: "upload", Err: fmt.Errorf("status %d", status)}
	}
	var ur uploadResponse
	if err := json.Unmarshal(resp, &ur); err != nil || ur.Name == "" {
		return "", &ConnectionError{Op: "upload", Err: fmt.Errorf("unexpected upload response %q", string(resp))}
	}
	if ur.Subfolder != "" {
		return ur.Subfolder + "/" + ur.Name, nil
	}
	return ur.Name, nil
}

// transportErr classifies a failed HTTP round trip.
func (c *Client) transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &CancelledError{Err: err}
	}
	return &ConnectionError{Op: op, Err: err}
}

// rebindNames rewrites every JSON string value equal to a key of renamed.
func rebindNames(payload []byte, renamed map[string]string) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	v = rebindValue(v, renamed)
	return json.Marshal(v)
}

func rebindValue(v any, renamed map[string]string) any {
	switch t := v.(type) {
	case string:
		if to, ok := renamed[t]; ok {
			return to
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = rebindValue(e, renamed)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = rebindValue(e, renamed)
		}
		return t
	default:
		return v
	}
}
