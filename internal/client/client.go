// Package client 实现单个外部 MCP 服务器的协议客户端：握手、发现、工具调用、资源读取。
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
	"McpHub/internal/transport"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProtocolVersion 客户端声明的协议版本
const ProtocolVersion = "2024-11-05"

// 分页上限，防止服务器返回循环游标
const maxPages = 100

// Options 客户端参数
type Options struct {
	Name      string
	Version   string
	Transport transport.Options
}

// ServerInfo 握手时服务器返回的信息
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Client 一个外部服务器的协议会话
type Client struct {
	cfg       models.ServerConfig
	opts      Options
	transport transport.Transport

	mu          sync.RWMutex
	initialized bool
	info        ServerInfo
	closed      atomic.Bool
}

// New 创建客户端（不进行任何 I/O）
func New(cfg models.ServerConfig, opts Options) (*Client, error) {
	tr, err := transport.New(cfg.ID, cfg.Transport, opts.Transport)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, tr, opts), nil
}

// NewWithTransport 使用给定传输创建客户端
func NewWithTransport(cfg models.ServerConfig, tr transport.Transport, opts Options) *Client {
	if opts.Name == "" {
		opts.Name = "mcphub"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Client{cfg: cfg, opts: opts, transport: tr}
}

// ServerID 返回服务器 ID
func (c *Client) ServerID() string {
	return c.cfg.ID
}

// Info 返回握手得到的服务器信息
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Connect 建立传输并完成 initialize 握手
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return apperrors.New(apperrors.CodeTransport, "client closed: "+c.cfg.ID)
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	var result mcp.InitializeResult
	err := c.call(ctx, "initialize", &mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: c.opts.Name, Version: c.opts.Version},
	}, &result)
	if err != nil {
		_ = c.transport.Close()
		return err
	}

	if err := c.transport.SendNotification(ctx, "notifications/initialized", &mcp.InitializedParams{}); err != nil {
		_ = c.transport.Close()
		return err
	}

	info := ServerInfo{ProtocolVersion: result.ProtocolVersion}
	if result.ServerInfo != nil {
		info.Name = result.ServerInfo.Name
		info.Version = result.ServerInfo.Version
	}
	c.mu.Lock()
	c.initialized = true
	c.info = info
	c.mu.Unlock()

	logger.InfoWithFields("mcp server initialized", map[string]interface{}{
		"server_id":        c.cfg.ID,
		"server_name":      info.Name,
		"protocol_version": info.ProtocolVersion,
	})
	return nil
}

// call 发送请求并把 result 解码到 out
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := c.transport.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeProtocol, "malformed "+method+" result",
			map[string]string{"server_id": c.cfg.ID}, err)
	}
	return nil
}

func (c *Client) ready() error {
	if c.closed.Load() {
		return apperrors.New(apperrors.CodeTransport, "client closed: "+c.cfg.ID)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return apperrors.New(apperrors.CodeProtocol, "client not initialized")
	}
	return nil
}

// ListTools 获取全部工具（跟随 nextCursor 分页），并标记 ServerID
func (c *Client) ListTools(ctx context.Context) ([]models.Tool, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var tools []models.Tool
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var result mcp.ListToolsResult
		if err := c.call(ctx, "tools/list", &mcp.ListToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		for _, tool := range result.Tools {
			if tool == nil {
				continue
			}
			converted, err := c.toolFromMCP(tool)
			if err != nil {
				return nil, err
			}
			tools = append(tools, converted)
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

func (c *Client) toolFromMCP(tool *mcp.Tool) (models.Tool, error) {
	out := models.Tool{Name: tool.Name, Description: tool.Description, ServerID: c.cfg.ID}
	if tool.InputSchema != nil {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return models.Tool{}, apperrors.Wrap(apperrors.CodeProtocol, "invalid inputSchema for tool "+tool.Name, err)
		}
		out.InputSchema = schema
	}
	return out, nil
}

// ListResources 获取全部资源，并标记 ServerID
func (c *Client) ListResources(ctx context.Context) ([]models.Resource, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var resources []models.Resource
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var result mcp.ListResourcesResult
		if err := c.call(ctx, "resources/list", &mcp.ListResourcesParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		for _, res := range result.Resources {
			if res == nil {
				continue
			}
			resources = append(resources, models.Resource{
				URI:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MimeType:    res.MIMEType,
				ServerID:    c.cfg.ID,
			})
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}
	return resources, nil
}

// CallTool 调用工具并返回结果；错误原样向上传递
func (c *Client) CallTool(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	// 空参数也要显式发送 {}，CallToolParams 的 omitempty 会省略空 map
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeToolInvocation, "invalid arguments for tool "+req.Name, err)
	}
	var result mcp.CallToolResult
	if err := c.call(ctx, "tools/call", &mcp.CallToolParamsRaw{Name: req.Name, Arguments: rawArgs}, &result); err != nil {
		return nil, err
	}
	return toolResultFromMCP(&result), nil
}

// toolResultFromMCP 把 go-sdk 的内容块转换为内部表示；二进制数据保持 base64
func toolResultFromMCP(result *mcp.CallToolResult) *models.ToolCallResult {
	out := &models.ToolCallResult{IsError: result.IsError, Content: make([]models.ContentBlock, 0, len(result.Content))}
	for _, content := range result.Content {
		switch v := content.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, models.ContentBlock{Type: "text", Text: v.Text})
		case *mcp.ImageContent:
			out.Content = append(out.Content, models.ContentBlock{
				Type: "image", Data: base64.StdEncoding.EncodeToString(v.Data), MimeType: v.MIMEType,
			})
		case *mcp.AudioContent:
			out.Content = append(out.Content, models.ContentBlock{
				Type: "audio", Data: base64.StdEncoding.EncodeToString(v.Data), MimeType: v.MIMEType,
			})
		case *mcp.EmbeddedResource:
			block := models.ContentBlock{Type: "resource"}
			if v.Resource != nil {
				block.Resource, _ = json.Marshal(v.Resource)
				block.Text = v.Resource.Text
				block.MimeType = v.Resource.MIMEType
			}
			out.Content = append(out.Content, block)
		case *mcp.ResourceLink:
			raw, _ := json.Marshal(v)
			out.Content = append(out.Content, models.ContentBlock{Type: "resource_link", Resource: raw, MimeType: v.MIMEType})
		}
	}
	return out
}

// ReadResource 读取资源，返回第一个文本内容
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	var result mcp.ReadResourceResult
	if err := c.call(ctx, "resources/read", &mcp.ReadResourceParams{URI: uri}, &result); err != nil {
		return "", err
	}
	for _, content := range result.Contents {
		if content != nil && content.Blob == nil {
			return content.Text, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeProtocol, "resource has no text content: "+uri,
		map[string]string{"server_id": c.cfg.ID})
}

// Close 关闭会话，可重复调用
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Close()
}
