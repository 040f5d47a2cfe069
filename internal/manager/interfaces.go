package manager

import (
	"context"

	"McpHub/internal/client"
	"McpHub/internal/models"
)

// ClientInterface 单个服务器的协议客户端
type ClientInterface interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]models.Tool, error)
	ListResources(ctx context.Context) ([]models.Resource, error)
	CallTool(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Close() error
}

// ClientFactory 为服务器配置构造客户端（不进行 I/O）
type ClientFactory func(cfg models.ServerConfig) (ClientInterface, error)

// NewClientFactory 返回使用协议客户端的默认工厂
func NewClientFactory(opts client.Options) ClientFactory {
	return func(cfg models.ServerConfig) (ClientInterface, error) {
		c, err := client.New(cfg, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// SettingsStore 设置文档存储
type SettingsStore interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
}
