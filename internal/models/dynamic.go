package models

import (
	"encoding/json"
	"time"
)

// ServiceStatus 动态服务运行状态
type ServiceStatus string

const (
	ServiceStarting ServiceStatus = "starting"
	ServiceRunning  ServiceStatus = "running"
	ServiceStopped  ServiceStatus = "stopped"
	ServiceError    ServiceStatus = "error"
)

// Lifecycle 动态服务生命周期
type Lifecycle string

const (
	LifecycleTemp  Lifecycle = "temp"
	LifecycleSaved Lifecycle = "saved"
)

// ToolDefinition 动态服务 definition 文档中的单个工具
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServiceDefinition 写入服务目录的 definition 文档
type ServiceDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Tools       []ToolDefinition `json:"tools"`
}

// DynamicService 运行时生成的 MCP 服务
type DynamicService struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Status      ServiceStatus     `json:"status"`
	Lifecycle   Lifecycle         `json:"lifecycle"`
	McpServerID string            `json:"mcpServerId"`
	ServiceDir  string            `json:"serviceDir"`
	CreatedAt   time.Time         `json:"createdAt"`
	Tools       []string          `json:"tools"`
	Env         map[string]string `json:"env,omitempty"`
	Error       string            `json:"error,omitempty"`
	// Checksum 用户批准时 definition 与 handlers 文件的内容哈希
	Checksum string `json:"checksum,omitempty"`
}

// Clone 深拷贝
func (s DynamicService) Clone() DynamicService {
	cloned := s
	cloned.Tools = cloneStrings(s.Tools)
	cloned.Env = cloneStringMap(s.Env)
	return cloned
}
