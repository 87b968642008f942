package agent

import (
	"context"
	"strings"
)

// MockInvoker produces deterministic local results when no agent service is
// configured. The output is the task title followed by the input it received,
// which makes chained forwarding visible end to end.
type MockInvoker struct{}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (a *MockInvoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	select {
	case <-ctx.Done():
		return InvokeResult{}, ctx.Err()
	default:
	}

	out := strings.TrimSpace(req.Title)
	if in := strings.TrimSpace(req.Input); in != "" {
		if out == "" {
			out = in
		} else {
			out = out + " " + in
		}
	}
	return InvokeResult{
		Success:        true,
		Output:         out,
		ResponseFormat: "text",
	}, nil
}
