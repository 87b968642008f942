package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPInvokerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		var req InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Input != "previous output" {
			t.Errorf("current_input = %q, want %q", req.Input, "previous output")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"task":{"output":"done","duration_ms":42,"cost":0.5,"token_usage":130,"response_format":"text"}}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	res, err := inv.Invoke(context.Background(), InvokeRequest{
		TaskID:  "t1",
		AgentID: "auto",
		Title:   "summarize",
		Input:   "previous output",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false, want true")
	}
	if res.Output != "done" {
		t.Fatalf("Output = %q, want %q", res.Output, "done")
	}
	if res.DurationMS != 42 || res.Cost != 0.5 || res.TokenUsage != 130 {
		t.Fatalf("telemetry = (%d, %v, %d), want (42, 0.5, 130)", res.DurationMS, res.Cost, res.TokenUsage)
	}
	if res.ResponseFormat != "text" {
		t.Fatalf("ResponseFormat = %q, want text", res.ResponseFormat)
	}
}

func TestHTTPInvokerReportsAgentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"model refused","task":{"output":null}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPInvoker(srv.URL).Invoke(context.Background(), InvokeRequest{Title: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if res.Error != "model refused" {
		t.Fatalf("Error = %q, want %q", res.Error, "model refused")
	}
}

func TestHTTPInvokerNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(srv.URL).Invoke(context.Background(), InvokeRequest{Title: "t"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("err = %v, want status and body snippet", err)
	}
}

func TestHTTPInvokerAbortsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := NewHTTPInvoker(srv.URL).Invoke(ctx, InvokeRequest{Title: "t"})
		errc <- err
	}()
	cancel()

	err := <-errc
	if err == nil {
		t.Fatal("expected error from aborted invocation")
	}
	if !strings.Contains(err.Error(), context.Canceled.Error()) {
		t.Fatalf("err = %v, want context cancellation", err)
	}
}

func TestOutputToText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"json string unquoted", `"plain text"`, "plain text"},
		{"object compacted", "{\n  \"a\": 1\n}", `{"a":1}`},
		{"array compacted", "[1, 2]", "[1,2]"},
		{"null", "null", ""},
		{"number", "7", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputToText(json.RawMessage(tt.raw)); got != tt.want {
				t.Fatalf("outputToText(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMockInvokerChainsTitleAndInput(t *testing.T) {
	inv := NewMockInvoker()
	res, err := inv.Invoke(context.Background(), InvokeRequest{Title: " B ", Input: "A x"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false, want true")
	}
	if res.Output != "B A x" {
		t.Fatalf("Output = %q, want %q", res.Output, "B A x")
	}
}

func TestNewInvokerSelection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"mock mode", Config{Mode: "mock"}, "*agent.MockInvoker", false},
		{"http mode", Config{Mode: "http", HTTPURL: "http://localhost:9"}, "*agent.HTTPInvoker", false},
		{"http mode without url", Config{Mode: "http"}, "", true},
		{"auto with url", Config{Mode: "auto", HTTPURL: "http://localhost:9"}, "*agent.HTTPInvoker", false},
		{"auto without url", Config{Mode: "auto"}, "*agent.MockInvoker", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := NewInvoker(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewInvoker: %v", err)
			}
			var got string
			switch inv.(type) {
			case *MockInvoker:
				got = "*agent.MockInvoker"
			case *HTTPInvoker:
				got = "*agent.HTTPInvoker"
			default:
				got = "unknown"
			}
			if got != tt.want {
				t.Fatalf("invoker type = %s, want %s", got, tt.want)
			}
		})
	}
}
