package manager

import (
	"context"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

func (r *Registry) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// liveClient 返回已连接服务器的客户端，否则返回配置错误（不进行 I/O）
func (r *Registry) liveClient(serverID string) (ClientInterface, error) {
	if !r.current().IsConnected(serverID) {
		return nil, notConnected(serverID)
	}
	c, ok := r.client(serverID)
	if !ok {
		return nil, notConnected(serverID)
	}
	return c, nil
}

// CallTool 按名称调用合并列表中的工具
//
// 工具不存在或所属服务器未连接时立即失败。isError 结果原样返回给调用方。
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (*models.ToolCallResult, error) {
	tool, ok := r.current().FindTool(name)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration, "Tool not found: "+name,
			map[string]string{"tool": name})
	}
	return r.invoke(ctx, tool.ServerID, name, args)
}

// CallServerTool 调用指定服务器上的工具，用于多个服务器提供同名工具的情况
func (r *Registry) CallServerTool(ctx context.Context, serverID, name string, args map[string]any) (*models.ToolCallResult, error) {
	found := false
	for _, tool := range r.current().ToolsFor(serverID) {
		if tool.Name == name {
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration, "Tool not found: "+name,
			map[string]string{"tool": name, "server_id": serverID})
	}
	return r.invoke(ctx, serverID, name, args)
}

func (r *Registry) invoke(ctx context.Context, serverID, name string, args map[string]any) (*models.ToolCallResult, error) {
	c, err := r.liveClient(serverID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.requestContext(ctx)
	defer cancel()

	result, err := c.CallTool(ctx, models.ToolCallRequest{Name: name, Arguments: args})
	if err != nil {
		logger.WarnWithFields("tool call failed", map[string]interface{}{
			"server_id": serverID,
			"tool":      name,
			"error":     err.Error(),
		})
		if apperrors.HasCode(err, apperrors.CodeProtocol) {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeToolInvocation, "tool "+name+" failed",
				map[string]string{"tool": name, "server_id": serverID}, err)
		}
		return nil, err
	}
	return result, nil
}

// callForText 调用工具并要求成功结果；isError 转换为工具调用错误
func (r *Registry) callForText(ctx context.Context, serverID, name string, args map[string]any) (string, error) {
	result, err := r.invoke(ctx, serverID, name, args)
	if err != nil {
		return "", err
	}
	text, _ := result.FirstText()
	if result.IsError {
		if text == "" {
			text = "tool returned an error"
		}
		return "", apperrors.WithMetadata(apperrors.CodeToolInvocation, text,
			map[string]string{"tool": name, "server_id": serverID})
	}
	return text, nil
}

// ReadResource 按 URI 查找资源所属服务器并读取文本内容
func (r *Registry) ReadResource(ctx context.Context, uri string) (string, error) {
	var serverID string
	for _, res := range r.current().Resources {
		if res.URI == uri {
			serverID = res.ServerID
			break
		}
	}
	if serverID == "" {
		return "", apperrors.WithMetadata(apperrors.CodeConfiguration, "Resource not found: "+uri,
			map[string]string{"uri": uri})
	}
	c, err := r.liveClient(serverID)
	if err != nil {
		return "", err
	}
	ctx, cancel := r.requestContext(ctx)
	defer cancel()
	return c.ReadResource(ctx, uri)
}
