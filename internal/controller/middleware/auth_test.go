package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"qarunner/internal/auth"
)

func TestBearerAuth(t *testing.T) {
	second := auth.HashKey("second-token")
	mw := BearerAuth([]string{auth.HashKey("first-token"), " " + second + " "})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantClient string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"no scheme", "second-token", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic second-token", http.StatusUnauthorized, ""},
		{"two tokens", "Bearer key1 key2", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer not-a-token", http.StatusUnauthorized, ""},
		{"padded hash entry matches", "Bearer second-token", http.StatusOK, second[:12]},
		{"scheme is case insensitive", "bearer first-token", http.StatusOK, auth.HashKey("first-token")[:12]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var client string
			called := false
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				client, _ = ClientFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/jobs/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if client != tt.wantClient {
				t.Errorf("client = %q, want %q", client, tt.wantClient)
			}
		})
	}
}

func TestBearerAuth_DisabledWithoutHashes(t *testing.T) {
	called := false
	h := BearerAuth(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := ClientFromContext(r.Context()); ok {
			t.Error("no client should be set when auth is disabled")
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("expected handler to be called")
	}
}
