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
	"sync/atomic"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
	"McpHub/internal/sse"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const sessionHeader = "Mcp-Session-Id"

// httpTransport Streamable HTTP 传输：每个请求一次 POST，响应为 JSON 或 SSE
type httpTransport struct {
	serverID string
	endpoint string
	client   *http.Client
	ids      idCounter

	mu        sync.Mutex
	sessionID string
	closed    atomic.Bool
}

func newHTTPTransport(serverID string, cfg models.TransportConfig, opts Options) (*httpTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration, "invalid http url "+cfg.URL,
			map[string]string{"server_id": serverID})
	}
	return &httpTransport{
		serverID: serverID,
		endpoint: u.String(),
		client:   newHTTPClient(opts.HTTPClient, cfg.Headers),
	}, nil
}

func (t *httpTransport) transportError(message string, cause error) error {
	meta := map[string]string{"server_id": t.serverID, "transport": "http", "url": t.endpoint}
	if cause == nil {
		return apperrors.WithMetadata(apperrors.CodeTransport, message, meta)
	}
	return apperrors.WrapWithMetadata(apperrors.CodeTransport, message, meta, cause)
}

// Connect 无需预先建立连接，会话在 initialize 时由服务器分配
func (t *httpTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return t.transportError("http transport closed", nil)
	}
	return ctx.Err()
}

func (t *httpTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.ids.next()
	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return nil, wrapContextErr(ctx, method, err)
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		reply, err := t.readStreamReply(resp.Body, id)
		if err != nil {
			return nil, wrapContextErr(ctx, method, err)
		}
		return responseResult(method, reply)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapContextErr(ctx, method, t.transportError("failed to read response", err))
	}
	return decodeResponse(method, bytes.TrimSpace(body))
}

// readStreamReply 返回流中第一个携带本请求 id 的响应帧
func (t *httpTransport) readStreamReply(body io.Reader, id int64) (*jsonrpc.Response, error) {
	reader := sse.NewReader(body)
	for reader.Next() {
		ev := reader.Event()
		if ev.Name() != "message" {
			continue
		}
		if resp, ok := decodeReply([]byte(ev.Data)); ok && matchID(resp.ID, id) {
			return resp, nil
		}
		logger.Debug("skipping sse frame from %s while waiting for id %d", t.serverID, id)
	}
	if err := reader.Err(); err != nil {
		return nil, t.transportError("sse response stream failed", err)
	}
	return nil, apperrors.New(apperrors.CodeProtocol, fmt.Sprintf("sse response stream ended without a reply to request %d", id))
}

func (t *httpTransport) SendNotification(ctx context.Context, method string, params any) error {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, payload)
	if err != nil {
		return wrapContextErr(ctx, method, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (t *httpTransport) post(ctx context.Context, payload []byte) (*http.Response, error) {
	if t.closed.Load() {
		return nil, t.transportError("http transport closed", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, t.transportError("failed to build http request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := t.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.transportError("http request failed ("+t.endpoint+")", err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, t.transportError(fmt.Sprintf("HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	return resp, nil
}

func (t *httpTransport) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Close 存在会话时尽力发送 DELETE 结束会话
func (t *httpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	sid := t.session()
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.client.Do(req)
	if err != nil {
		logger.Debug("session delete for %s failed: %v", t.serverID, err)
		return nil
	}
	resp.Body.Close()
	return nil
}
