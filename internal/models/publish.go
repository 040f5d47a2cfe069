package models

import "time"

// PublishTarget 发布目标，由某个 MCP 服务器的 publish 工具实现
type PublishTarget struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	McpServerID string `json:"mcpServerId"`
	Config      JSONB  `json:"config,omitempty"`
}

// PublishRequest 发布文档请求
type PublishRequest struct {
	TargetID string `json:"targetId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Format   string `json:"format"`
	Metadata JSONB  `json:"metadata,omitempty"`
}

// PublishResult 发布结果
type PublishResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// SyncConfig 知识库同步任务定义
type SyncConfig struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	McpServerID     string `json:"mcpServerId"`
	RemotePath      string `json:"remotePath"`
	LocalPath       string `json:"localPath"`
	IntervalMinutes int    `json:"intervalMinutes,omitempty"`
}

// SyncState 同步状态机：idle → syncing → success | error
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// SyncStatus 同步任务当前状态，按 ConfigID 索引
type SyncStatus struct {
	ConfigID    string     `json:"configId"`
	State       SyncState  `json:"state"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	FilesSynced int        `json:"filesSynced,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SyncFile 待同步的单个文件
type SyncFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
