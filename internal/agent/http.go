package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPInvoker forwards each task to an agent service over HTTP. The request
// context is attached to the outgoing call, so cancelling a run aborts the
// in-flight invocation as well.
type HTTPInvoker struct {
	url    string
	client *http.Client
}

func NewHTTPInvoker(url string) *HTTPInvoker {
	return &HTTPInvoker{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type invokeResponseBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Task    struct {
		Output         json.RawMessage `json:"output"`
		DurationMS     int64           `json:"duration_ms,omitempty"`
		Cost           float64         `json:"cost,omitempty"`
		TokenUsage     int64           `json:"token_usage,omitempty"`
		ResponseFormat string          `json:"response_format,omitempty"`
	} `json:"task"`
}

func (a *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return InvokeResult{}, fmt.Errorf("agent http status %d: %s", res.StatusCode, string(body))
	}

	var parsed invokeResponseBody
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return InvokeResult{}, fmt.Errorf("decode response: %w", err)
	}

	return InvokeResult{
		Success:        parsed.Success,
		Output:         outputToText(parsed.Task.Output),
		Error:          strings.TrimSpace(parsed.Error),
		DurationMS:     parsed.Task.DurationMS,
		Cost:           parsed.Task.Cost,
		TokenUsage:     parsed.Task.TokenUsage,
		ResponseFormat: parsed.Task.ResponseFormat,
	}, nil
}

// outputToText flattens the agent's opaque output payload to text: JSON
// strings are unquoted, structured values stay serialized as compact JSON.
func outputToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
