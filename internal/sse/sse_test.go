package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(input))
	var events []Event
	for r.Next() {
		events = append(events, r.Event())
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	return events
}

func TestReaderEvents(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "endpoint then message",
			input: "event: endpoint\ndata: /messages?sessionId=abc\n\nevent: message\ndata: {\"id\":1}\n\n",
			want: []Event{
				{Type: "endpoint", Data: "/messages?sessionId=abc"},
				{Type: "message", Data: `{"id":1}`},
			},
		},
		{
			name:  "default type multi data crlf",
			input: "data: a\r\ndata: b\r\n\r\n",
			want:  []Event{{Data: "a\nb"}},
		},
		{
			name:  "comments and id",
			input: ": keepalive\n\nid: 7\ndata:x\n\n",
			want:  []Event{{Data: "x", ID: "7"}},
		},
		{
			name:  "trailing event without blank line",
			input: "data: last",
			want:  []Event{{Data: "last"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEventName(t *testing.T) {
	if got := (Event{}).Name(); got != "message" {
		t.Fatalf("Name() = %q, want message", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("reset by peer") }

func TestReaderPropagatesError(t *testing.T) {
	r := NewReader(io.MultiReader(strings.NewReader("data: partial\n"), failingReader{}))
	if r.Next() {
		t.Fatal("Next() = true on broken stream")
	}
	if r.Err() == nil || r.Err().Error() != "reset by peer" {
		t.Fatalf("Err() = %v", r.Err())
	}
}
