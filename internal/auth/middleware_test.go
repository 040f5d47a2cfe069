package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"McpHub/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware(t *testing.T) {
	cfg := &config.AuthConfig{Enabled: true, HeaderName: "X-Hub-Key", APIKeys: []string{"k1", "k2"}}
	handler := NewAuthMiddleware(cfg).Middleware(okHandler())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   int
	}{
		{"custom header", func(r *http.Request) { r.Header.Set("X-Hub-Key", "k1") }, "/api/tools", http.StatusNoContent},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer k2") }, "/api/tools", http.StatusNoContent},
		{"query", func(r *http.Request) {}, "/api/tools?api_key=k1", http.StatusNoContent},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-Hub-Key", "nope") }, "/api/tools", http.StatusUnauthorized},
		{"default header ignored", func(r *http.Request) { r.Header.Set("X-API-Key", "k1") }, "/api/tools", http.StatusUnauthorized},
		{"missing", func(r *http.Request) {}, "/api/tools", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	am := NewAuthMiddleware(&config.AuthConfig{})
	rec := httptest.NewRecorder()
	am.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if am.IsEnabled() || am.GetHeaderName() != "X-API-Key" {
		t.Fatalf("IsEnabled=%v header=%q", am.IsEnabled(), am.GetHeaderName())
	}
}

func TestValidateAPIKeyIgnoresEmptyConfiguredKeys(t *testing.T) {
	am := NewAuthMiddleware(&config.AuthConfig{Enabled: true, APIKeys: []string{""}})
	if am.ValidateAPIKey("") || am.ValidateAPIKey("x") {
		t.Fatal("empty configured key accepted a request")
	}
}
