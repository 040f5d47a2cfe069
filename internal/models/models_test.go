package models

import (
	"strings"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "stdio ok",
			cfg: ServerConfig{ID: "fs", Name: "Filesystem", Transport: TransportConfig{
				Type: TransportStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-filesystem"},
			}},
		},
		{
			name: "streamable alias ok",
			cfg:  ServerConfig{ID: "remote", Name: "Remote", Transport: TransportConfig{Type: TransportStreamableHTTP, URL: "https://example.com/mcp"}},
		},
		{
			name:    "missing id",
			cfg:     ServerConfig{Name: "x", Transport: TransportConfig{Type: TransportStdio, Command: "x"}},
			wantErr: "server id is required",
		},
		{
			name:    "stdio without command",
			cfg:     ServerConfig{ID: "a", Name: "a", Transport: TransportConfig{Type: TransportStdio}},
			wantErr: "requires a command",
		},
		{
			name:    "sse relative url",
			cfg:     ServerConfig{ID: "a", Name: "a", Transport: TransportConfig{Type: TransportSSE, URL: "/sse"}},
			wantErr: "absolute http(s) url",
		},
		{
			name:    "unknown transport",
			cfg:     ServerConfig{ID: "a", Name: "a", Transport: TransportConfig{Type: "websocket", URL: "ws://x"}},
			wantErr: "unknown transport type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigCloneIsDeep(t *testing.T) {
	orig := ServerConfig{ID: "a", Name: "a", Transport: TransportConfig{
		Type: TransportStdio, Command: "node", Args: []string{"x"}, Env: map[string]string{"K": "v"},
	}}
	cloned := orig.Clone()
	cloned.Transport.Args[0] = "y"
	cloned.Transport.Env["K"] = "changed"

	if orig.Transport.Args[0] != "x" || orig.Transport.Env["K"] != "v" {
		t.Fatalf("Clone shares state with original: %+v", orig.Transport)
	}
}

func TestToolCallResultFirstText(t *testing.T) {
	result := &ToolCallResult{Content: []ContentBlock{
		{Type: "image", Data: "AAAA", MimeType: "image/png"},
		{Type: "text", Text: "hello"},
	}}
	text, ok := result.FirstText()
	if !ok || text != "hello" {
		t.Fatalf("FirstText() = %q, %v", text, ok)
	}
	if _, ok := (&ToolCallResult{}).FirstText(); ok {
		t.Fatal("FirstText() on empty result reported ok")
	}
}

func TestJSONBScanRoundTrip(t *testing.T) {
	var j JSONB
	if err := j.Scan(`{"space":"ENG"}`); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if j["space"] != "ENG" {
		t.Fatalf("Scan() = %v", j)
	}
	if err := j.Scan(42); err == nil {
		t.Fatal("Scan(int) error = nil, want error")
	}
}
