package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"McpHub/internal/models"
	"McpHub/internal/process"

	"github.com/tidwall/gjson"
)

// TestHelperProcess 最小的 stdio MCP 服务器：回显方法名和收到的 id
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MCPHUB_TRANSPORT_HELPER") != "1" {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg := gjson.Parse(scanner.Text())
		if !msg.Get("id").Exists() {
			continue
		}
		switch msg.Get("method").String() {
		case "empty":
			fmt.Println(`{"jsonrpc":"2.0","id":` + msg.Get("id").Raw + `,"error":{"code":-32000,"message":"boom"}}`)
		default:
			fmt.Printf(`{"jsonrpc":"2.0","id":%s,"result":{"method":%q,"id":%s}}`+"\n",
				msg.Get("id").Raw, msg.Get("method").String(), msg.Get("id").Raw)
		}
	}
	os.Exit(0)
}

func TestStdioRoundTrip(t *testing.T) {
	host := process.NewHost()
	t.Cleanup(host.CloseAll)

	tr, err := New("echo", models.TransportConfig{
		Type:    models.TransportStdio,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{"MCPHUB_TRANSPORT_HELPER": "1"},
	}, Options{Host: host})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tr.SendNotification(ctx, "notifications/initialized", nil); err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	var prev int64
	for _, method := range []string{"initialize", "tools/list", "resources/list"} {
		result, err := tr.SendRequest(ctx, method, map[string]any{})
		if err != nil {
			t.Fatalf("SendRequest(%s) error = %v", method, err)
		}
		if got := gjson.GetBytes(result, "method").String(); got != method {
			t.Fatalf("result.method = %q, want %q", got, method)
		}
		id := gjson.GetBytes(result, "id").Int()
		if id <= prev {
			t.Fatalf("request id %d not increasing after %d", id, prev)
		}
		prev = id
	}

	if _, err := tr.SendRequest(ctx, "empty", nil); err == nil {
		t.Fatal("SendRequest(empty) error = nil, want protocol error")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if host.IsRunning("echo") {
		t.Fatal("process still running after Close")
	}
}

func TestStdioConnectFailureNamesCommand(t *testing.T) {
	host := process.NewHost()
	tr, _ := New("bad", models.TransportConfig{Type: models.TransportStdio, Command: "/no/such/mcp-server"}, Options{Host: host})
	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() error = nil")
	}
	if want := "failed to connect stdio transport (/no/such/mcp-server)"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error = %q, want it to contain %q", err, want)
	}
}
