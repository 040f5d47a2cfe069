package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
	"McpHub/internal/sse"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const defaultEndpointWait = 5 * time.Second

type reply struct {
	resp *jsonrpc.Response
	err  error
}

// sseTransport 旧版 HTTP+SSE 传输：GET 打开事件流，POST 发送请求，响应经事件流返回
type sseTransport struct {
	serverID     string
	streamURL    *url.URL
	client       *http.Client
	endpointWait time.Duration
	ids          idCounter

	mu       sync.Mutex
	pending  map[int64]chan reply
	endpoint string
	closed   bool

	endpointReady chan struct{}
	endpointOnce  sync.Once
	cancel        context.CancelFunc
	done          chan struct{}
	closeOnce     sync.Once
}

func newSSETransport(serverID string, cfg models.TransportConfig, opts Options) (*sseTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration, "invalid sse url "+cfg.URL,
			map[string]string{"server_id": serverID})
	}
	wait := opts.SSEEndpointWait
	if wait <= 0 {
		wait = defaultEndpointWait
	}
	return &sseTransport{
		serverID:      serverID,
		streamURL:     u,
		client:        newHTTPClient(opts.HTTPClient, cfg.Headers),
		endpointWait:  wait,
		pending:       make(map[int64]chan reply),
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

func (t *sseTransport) transportError(message string, cause error) error {
	meta := map[string]string{"server_id": t.serverID, "transport": "sse", "url": t.streamURL.String()}
	if cause == nil {
		return apperrors.WithMetadata(apperrors.CodeTransport, message, meta)
	}
	return apperrors.WrapWithMetadata(apperrors.CodeTransport, message, meta, cause)
}

// Connect 打开事件流，HTTP 流建立后即返回
func (t *sseTransport) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL.String(), nil)
	if err != nil {
		cancel()
		return t.transportError("failed to build sse request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// 连接阶段受调用方 ctx 约束，连接建立后事件流独立存活
	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return t.transportError("failed to connect sse transport ("+t.streamURL.String()+")", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return t.transportError(fmt.Sprintf("sse connect failed: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(resp.Body)
	return nil
}

func (t *sseTransport) readLoop(body io.ReadCloser) {
	defer close(t.done)
	defer body.Close()

	reader := sse.NewReader(body)
	for reader.Next() {
		ev := reader.Event()
		switch ev.Name() {
		case "endpoint":
			t.setEndpoint(ev.Data)
		case "message":
			t.dispatch([]byte(ev.Data))
		default:
			logger.Debug("ignoring sse event %q from %s", ev.Type, t.serverID)
		}
	}

	cause := reader.Err()
	if cause == nil {
		cause = io.EOF
	}
	t.failAll(t.transportError("sse stream closed", cause))
}

func (t *sseTransport) setEndpoint(raw string) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("invalid sse endpoint %q from %s: %v", raw, t.serverID, err)
		return
	}
	resolved := t.streamURL.ResolveReference(ref).String()

	t.mu.Lock()
	t.endpoint = resolved
	t.mu.Unlock()
	t.endpointOnce.Do(func() { close(t.endpointReady) })
	logger.Debug("sse endpoint for %s: %s", t.serverID, resolved)
}

// dispatch 按 id 将响应交给等待者；通知与服务端请求被忽略
func (t *sseTransport) dispatch(data []byte) {
	resp, ok := decodeReply(data)
	if !ok {
		logger.Debug("ignoring non-response sse message from %s", t.serverID)
		return
	}
	id, ok := idValue(resp.ID)
	if !ok {
		return
	}

	t.mu.Lock()
	ch, found := t.pending[id]
	if found {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if found {
		ch <- reply{resp: resp}
	}
}

func (t *sseTransport) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]chan reply)
	t.closed = true
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// postEndpoint 返回 POST 地址；endpoint 事件未及时到达时退回推导地址
//
// 超时后推导地址被记为 endpoint，后续请求不再等待；之后到达的 endpoint 事件仍会覆盖它。
func (t *sseTransport) postEndpoint(ctx context.Context) string {
	timer := time.NewTimer(t.endpointWait)
	defer timer.Stop()
	select {
	case <-t.endpointReady:
	case <-timer.C:
		t.mu.Lock()
		if t.endpoint == "" {
			t.endpoint = derivedEndpoint(t.streamURL)
			logger.Warn("no sse endpoint event from %s after %s, using %s", t.serverID, t.endpointWait, t.endpoint)
		}
		t.mu.Unlock()
		t.endpointOnce.Do(func() { close(t.endpointReady) })
	case <-ctx.Done():
	}
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint != "" {
		return endpoint
	}
	return derivedEndpoint(t.streamURL)
}

// derivedEndpoint 将 .../sse 推导为 .../messages
func derivedEndpoint(stream *url.URL) string {
	u := *stream
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/sse") + "/messages"
	return u.String()
}

func (t *sseTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.ids.next()
	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.transportError("sse transport closed", nil)
	}
	t.pending[id] = ch
	t.mu.Unlock()

	direct, err := t.post(ctx, payload)
	if err != nil {
		t.forget(id)
		return nil, wrapContextErr(ctx, method, err)
	}
	// 部分服务器直接在 POST 响应体中返回结果
	if len(direct) > 0 {
		if resp, ok := decodeReply(direct); ok && matchID(resp.ID, id) {
			t.forget(id)
			return responseResult(method, resp)
		}
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return responseResult(method, r.resp)
	case <-ctx.Done():
		t.forget(id)
		return nil, wrapContextErr(ctx, method, ctx.Err())
	}
}

func (t *sseTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *sseTransport) SendNotification(ctx context.Context, method string, params any) error {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	_, err = t.post(ctx, payload)
	return wrapContextErr(ctx, method, err)
}

// post 发送一条消息，返回 JSON 响应体（如果有）
func (t *sseTransport) post(ctx context.Context, payload []byte) ([]byte, error) {
	endpoint := t.postEndpoint(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, t.transportError("failed to build sse post", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.transportError("sse post failed ("+endpoint+")", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, t.transportError(fmt.Sprintf("sse post failed: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.transportError("failed to read sse post response", err)
	}
	return body, nil
}

func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel == nil {
			t.failAll(t.transportError("sse transport closed", nil))
			return
		}
		cancel()
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
		}
	})
	return nil
}
