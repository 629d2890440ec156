package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"courseforge/internal/pipeline"
)

// postJSON calls a collaborator endpoint and decodes its JSON response.
// Failure classification follows the stage contract: transport errors and
// timeouts are recoverable, 5xx responses are recoverable (provider outage),
// 4xx responses are permanent (the request itself is rejected).
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pipeline.Recoverable(fmt.Errorf("collaborator timeout: %w", err))
		}
		return pipeline.Recoverable(fmt.Errorf("call collaborator: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return pipeline.Recoverable(fmt.Errorf("collaborator %s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return pipeline.Permanent(fmt.Errorf("collaborator %s rejected request: status %d", url, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeline.Recoverable(fmt.Errorf("decode collaborator response: %w", err))
	}
	return nil
}

// fetch downloads a payload blob (source upload) with a size cap.
func fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", pipeline.Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", pipeline.Recoverable(fmt.Errorf("download payload: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, "", pipeline.Recoverable(fmt.Errorf("download payload: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", pipeline.Permanent(fmt.Errorf("download payload: status %d", resp.StatusCode))
	}

	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", pipeline.Recoverable(fmt.Errorf("read payload: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, "", pipeline.Permanent(fmt.Errorf("payload too large (>%d bytes)", limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}
