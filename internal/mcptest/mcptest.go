// Package mcptest 提供基于 go-sdk 的参考 MCP 服务器，供各包的测试使用。
package mcptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ReadmeURI 参考服务器暴露的资源
const ReadmeURI = "file:///workspace/README.md"

// ReadmeText 资源内容
const ReadmeText = "# Workspace\n"

type readFileInput struct {
	Path string `json:"path" jsonschema:"file path to read"`
}

type listDirectoryInput struct {
	Path string `json:"path" jsonschema:"directory to list"`
}

type publishInput struct {
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Format       string         `json:"format"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TargetConfig map[string]any `json:"targetConfig,omitempty"`
}

type syncFileInput struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	RemotePath string `json:"remotePath,omitempty"`
}

// FileServer 内存文件系统形式的参考服务器
type FileServer struct {
	mu       sync.Mutex
	files    map[string]string
	synced   []string
	failSync string
}

// NewFileServer 创建带初始文件的参考服务器
func NewFileServer(files map[string]string) *FileServer {
	copied := make(map[string]string, len(files))
	for k, v := range files {
		copied[k] = v
	}
	return &FileServer{files: copied}
}

// FailSyncOn sync_file 处理到该路径时返回错误
func (f *FileServer) FailSyncOn(path string) {
	f.mu.Lock()
	f.failSync = path
	f.mu.Unlock()
}

// Synced 返回 sync_file 收到的路径（按调用顺序）
func (f *FileServer) Synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synced...)
}

// Server 构造 go-sdk 服务器：read_file、list_directory、publish、sync_file 四个工具和一个资源
func (f *FileServer) Server() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "reference-filesystem", Version: "0.1.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "read_file", Description: "Read a file"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in readFileInput) (*mcp.CallToolResult, any, error) {
			f.mu.Lock()
			content, ok := f.files[in.Path]
			f.mu.Unlock()
			if !ok {
				return nil, nil, fmt.Errorf("no such file: %s", in.Path)
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: content}}}, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "list_directory", Description: "List a directory"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in listDirectoryInput) (*mcp.CallToolResult, any, error) {
			f.mu.Lock()
			var names []string
			prefix := strings.TrimSuffix(in.Path, "/") + "/"
			for name := range f.files {
				if strings.HasPrefix(name, prefix) {
					names = append(names, strings.TrimPrefix(name, prefix))
				}
			}
			f.mu.Unlock()
			sort.Strings(names)
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strings.Join(names, "\n")}}}, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "publish", Description: "Publish a document to the wiki"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in publishInput) (*mcp.CallToolResult, any, error) {
			space, _ := in.TargetConfig["space"].(string)
			text := fmt.Sprintf(`{"url":"https://wiki.example.com/%s/%s","message":"published %s"}`, space, in.Title, in.Format)
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "sync_file", Description: "Store a file in the knowledge base"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in syncFileInput) (*mcp.CallToolResult, any, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.failSync != "" && in.Path == f.failSync {
				return nil, nil, fmt.Errorf("quota exceeded")
			}
			f.synced = append(f.synced, in.Path)
			f.files[in.Path] = in.Content
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil, nil
		})

	server.AddResource(&mcp.Resource{URI: ReadmeURI, Name: "README", MIMEType: "text/markdown"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: ReadmeURI, MIMEType: "text/markdown", Text: ReadmeText}},
			}, nil
		})

	return server
}

// StartHTTP 以 Streamable HTTP 方式启动参考服务器，测试结束时关闭
func StartHTTP(t testing.TB, server *mcp.Server) *httptest.Server {
	t.Helper()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

// Recorder 记录经过的 HTTP 请求方法和会话头，用于断言会话复用和关闭
type Recorder struct {
	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest 一条被记录的请求
type RecordedRequest struct {
	Method    string
	SessionID string
}

// Wrap 包装处理器
func (r *Recorder) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests = append(r.requests, RecordedRequest{Method: req.Method, SessionID: req.Header.Get("Mcp-Session-Id")})
		r.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

// Requests 返回记录的请求
func (r *Recorder) Requests() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedRequest(nil), r.requests...)
}

// StartRecordedHTTP 与 StartHTTP 相同，但记录所有请求
func StartRecordedHTTP(t testing.TB, server *mcp.Server) (*httptest.Server, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(rec.Wrap(handler))
	t.Cleanup(ts.Close)
	return ts, rec
}
