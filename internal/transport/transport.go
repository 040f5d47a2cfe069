// Package transport 实现 MCP 的三种传输方式：子进程 stdio、SSE、HTTP（Streamable HTTP）。
//
// 所有传输对外暴露相同的 Transport 接口，负责 JSON-RPC 2.0 消息的成帧与请求/响应关联；
// 消息编解码使用 go-sdk 的 jsonrpc 包。
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
	"McpHub/internal/process"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Transport 与单个 MCP 服务器的连接
type Transport interface {
	// Connect 建立底层连接（启动进程或打开 SSE 流）
	Connect(ctx context.Context) error
	// SendRequest 发送请求并返回 result 原始 JSON
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	// SendNotification 发送通知，不等待响应
	SendNotification(ctx context.Context, method string, params any) error
	// Close 关闭连接，可重复调用
	Close() error
}

// Options 传输构造参数
type Options struct {
	// Host stdio 传输使用的进程宿主
	Host *process.Host
	// HTTPClient sse/http 传输的基础客户端，为空时使用默认客户端
	HTTPClient *http.Client
	// SSEEndpointWait 等待 endpoint 事件的最长时间
	SSEEndpointWait time.Duration
}

// New 根据传输配置创建对应的传输实现
func New(serverID string, cfg models.TransportConfig, opts Options) (Transport, error) {
	switch cfg.Type.Normalize() {
	case models.TransportStdio:
		if opts.Host == nil {
			return nil, apperrors.New(apperrors.CodeConfiguration, "stdio transport requires a process host")
		}
		return newStdioTransport(serverID, cfg, opts.Host), nil
	case models.TransportSSE:
		return newSSETransport(serverID, cfg, opts)
	case models.TransportHTTP:
		return newHTTPTransport(serverID, cfg, opts)
	default:
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration,
			fmt.Sprintf("unknown transport type %q", cfg.Type), map[string]string{"server_id": serverID})
	}
}

// idCounter 每个传输独立的递增请求 ID，从 1 开始且不复用
type idCounter struct {
	last atomic.Int64
}

func (c *idCounter) next() int64 {
	return c.last.Add(1)
}

// requestID 构造整数形式的 JSON-RPC id
func requestID(n int64) jsonrpc.ID {
	id, _ := jsonrpc.MakeID(float64(n))
	return id
}

func marshalParams(method string, params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocol, "failed to encode "+method+" params", err)
	}
	return raw, nil
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	raw, err := marshalParams(method, params)
	if err != nil {
		return nil, err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: requestID(id), Method: method, Params: raw})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocol, "failed to encode "+method+" request", err)
	}
	return data, nil
}

func encodeNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(method, params)
	if err != nil {
		return nil, err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: method, Params: raw})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocol, "failed to encode "+method+" notification", err)
	}
	return data, nil
}

// decodeReply 解析一条消息，只接受响应；请求和通知返回 false
func decodeReply(data []byte) (*jsonrpc.Response, bool) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, false
	}
	resp, ok := msg.(*jsonrpc.Response)
	return resp, ok
}

// decodeResponse 解析响应，返回 result 或协议错误
func decodeResponse(method string, data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeProtocol, "empty response to "+method)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocol, "malformed response to "+method, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, apperrors.New(apperrors.CodeProtocol, "malformed response to "+method+": got a request")
	}
	return responseResult(method, resp)
}

func responseResult(method string, resp *jsonrpc.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		var wireErr *jsonrpc.Error
		if errors.As(resp.Error, &wireErr) {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeProtocol,
				fmt.Sprintf("%s failed (code %d)", method, wireErr.Code),
				map[string]string{"rpc_code": strconv.FormatInt(wireErr.Code, 10)}, wireErr)
		}
		return nil, apperrors.Wrap(apperrors.CodeProtocol, method+" failed", resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, apperrors.New(apperrors.CodeProtocol, "response to "+method+" has neither result nor error")
	}
	return resp.Result, nil
}

// idValue 取出整数 id；兼容以十进制字符串回传 id 的服务器
func idValue(id jsonrpc.ID) (int64, bool) {
	switch v := id.Raw().(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// matchID 判断响应 id 是否为给定请求 id
func matchID(id jsonrpc.ID, want int64) bool {
	got, ok := idValue(id)
	return ok && got == want
}

// wrapContextErr 将超时/取消统一为传输错误
func wrapContextErr(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || err == nil) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.CodeTransport, method+" timed out", ctxErr)
		}
		return apperrors.Wrap(apperrors.CodeTransport, method+" cancelled", ctxErr)
	}
	return err
}

// headerRoundTripper 为每个请求注入调用方配置的头部
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (hrt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(hrt.headers) > 0 {
		req = req.Clone(req.Context())
		for key, value := range hrt.headers {
			req.Header.Set(key, value)
		}
	}
	return hrt.base.RoundTrip(req)
}

// newHTTPClient 基于基础客户端构造带头部注入的客户端；流式连接不能设置整体超时
func newHTTPClient(base *http.Client, headers map[string]string) *http.Client {
	rt := http.DefaultTransport
	if base != nil && base.Transport != nil {
		rt = base.Transport
	}
	client := &http.Client{Transport: &headerRoundTripper{base: rt, headers: headers}}
	if base != nil {
		client.CheckRedirect = base.CheckRedirect
		client.Jar = base.Jar
	}
	return client
}
