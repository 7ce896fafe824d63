package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		handler(w, req)
	}))
}

func reply(w http.ResponseWriter, content string) {
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func TestComplete(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Model != "test-model" {
			t.Errorf("unexpected request %+v", req)
		}
		reply(w, "hello")
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "test-model"})
	got, err := c.Complete(context.Background(), "be brief", "hi")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("unexpected Authorization header %q", auth)
	}
}

func TestComplete_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		reply(w, "ok")
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	c.backoff = time.Millisecond

	got, err := c.Complete(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "ok" || calls.Load() != 3 {
		t.Errorf("got %q after %d calls", got, calls.Load())
	}
}

func TestComplete_GivesUpAfterRetries(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	c.backoff = time.Millisecond

	if _, err := c.Complete(context.Background(), "", "hi"); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected rate limit error, got %v", err)
	}
}

func TestComplete_ServerError(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		calls.Add(1)
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Complete(context.Background(), "", "hi")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("non-429 errors must not be retried, got %d calls", calls.Load())
	}
}

func TestCompleteJSON(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatRequest) {
		reply(w, "Here is the plan:\n```json\n{\"summary\": \"checkout\", \"scenarios\": [{\"name\": \"pay\"}]}\n```")
	})
	defer srv.Close()

	var out struct {
		Summary   string `json:"summary"`
		Scenarios []struct {
			Name string `json:"name"`
		} `json:"scenarios"`
	}
	if err := NewClient(Config{BaseURL: srv.URL}).CompleteJSON(context.Background(), "", "plan", &out); err != nil {
		t.Fatalf("CompleteJSON failed: %v", err)
	}
	if out.Summary != "checkout" || len(out.Scenarios) != 1 {
		t.Errorf("unexpected decode %+v", out)
	}
}

func TestRateLimiter(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatRequest) { reply(w, "x") })
	defer srv.Close()

	// 600/min = one every 100ms, burst 1.
	c := NewClient(Config{BaseURL: srv.URL, RequestsPerMinute: 600})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Complete(context.Background(), "", "hi"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("limiter not applied, 3 calls took %v", elapsed)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"sure!\n```json\n[1,2]\n```", `[1,2]`, false},
		{`prefix {"a":{"b":[1]}} suffix {"c":2}`, `{"a":{"b":[1]}}`, false},
		{"no json here", "", true},
		{`{"broken":`, "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractJSON(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && string(got) != tt.want {
			t.Errorf("ExtractJSON(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"plain":                          "plain",
		"```ts\ntest('a', () => {})\n```": "test('a', () => {})",
		"```\nx\n```\n":                  "x",
		"```":                            "",
	}
	for in, want := range tests {
		if got := StripCodeFence(in); got != want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}
