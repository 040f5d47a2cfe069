package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(CodeConfiguration, "Tool not found: delete_file"),
			want: "Tool not found: delete_file",
		},
		{
			name: "wrapped",
			err:  Wrap(CodeTransport, "failed to connect stdio transport", fmt.Errorf("exec: not found")),
			want: "failed to connect stdio transport: exec: not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Fatalf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeProtocol, "empty response")
	outer := fmt.Errorf("tools/list: %w", inner)

	if got := CodeOf(outer); got != CodeProtocol {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeProtocol)
	}
	if !HasCode(outer, CodeProtocol) {
		t.Fatal("HasCode(outer, CodeProtocol) = false, want true")
	}
	if HasCode(outer, CodeTransport) {
		t.Fatal("HasCode(outer, CodeTransport) = true, want false")
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := WrapWithMetadata(CodeTransport, "sse connect failed", map[string]string{"url": "http://x"}, cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("errors.Is(err, cause) = false, want true")
	}
	if err.Metadata["url"] != "http://x" {
		t.Fatalf("Metadata[url] = %q", err.Metadata["url"])
	}
}
