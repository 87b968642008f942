package agent

import (
	"context"
	"errors"
	"strings"
)

// InvokeRequest carries one task to the Agent Invocation Service.
type InvokeRequest struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Input       string `json:"current_input"`
}

// InvokeResult is the service's answer for one task. Output is already
// serialized to text; structured payloads arrive as compact JSON.
type InvokeResult struct {
	Success        bool    `json:"success"`
	Output         string  `json:"output"`
	Error          string  `json:"error,omitempty"`
	DurationMS     int64   `json:"duration_ms,omitempty"`
	Cost           float64 `json:"cost,omitempty"`
	TokenUsage     int64   `json:"token_usage,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

// Invoker executes exactly one task. Implementations must honor ctx so an
// in-flight invocation can be aborted when the run is cancelled.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// Config controls invoker construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewInvoker(cfg Config) (Invoker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPInvoker(cfg.HTTPURL), nil
		}
		return NewMockInvoker(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP URL is required for http mode")
		}
		return NewHTTPInvoker(cfg.HTTPURL), nil
	case "mock":
		return NewMockInvoker(), nil
	default:
		return nil, errors.New("unknown agent invoker mode: " + mode)
	}
}
