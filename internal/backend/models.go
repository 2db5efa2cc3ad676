package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Models lists the model files installed in a backend model folder such as
// "checkpoints" or "controlnet".
func (c *Client) Models(ctx context.Context, folder string) ([]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/models/"+url.PathEscape(folder), nil, nil, "")
	if err != nil {
		return nil, c.transportErr(ctx, "list models", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, &ConnectionError{Op: "list models", Err: fmt.Errorf("status %d", status)}
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return names, nil
}
