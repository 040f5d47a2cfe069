package manager

import (
	"sort"

	"McpHub/internal/models"
)

// State 注册表的不可变快照
//
// 每次更新都基于上一个快照的副本构造新快照，读者拿到的永远是完整一致的状态。
type State struct {
	Version           uint64                       `json:"version"`
	Servers           []models.ServerConfig        `json:"servers"`
	Connected         map[string]bool              `json:"connected"`
	ServerErrors      map[string]string            `json:"serverErrors,omitempty"`
	Tools             []models.Tool                `json:"tools"`
	Resources         []models.Resource            `json:"resources"`
	PublishTargets    []models.PublishTarget       `json:"publishTargets"`
	SyncConfigs       []models.SyncConfig          `json:"syncConfigs"`
	SyncStatuses      map[string]models.SyncStatus `json:"syncStatuses"`
	MarketplaceSource string                       `json:"marketplaceSource"`
}

func newState() *State {
	return &State{
		Connected:    map[string]bool{},
		ServerErrors: map[string]string{},
		SyncStatuses: map[string]models.SyncStatus{},
	}
}

// clone 深拷贝
func (s *State) clone() *State {
	out := &State{
		Version:           s.Version,
		Servers:           make([]models.ServerConfig, len(s.Servers)),
		Connected:         make(map[string]bool, len(s.Connected)),
		ServerErrors:      make(map[string]string, len(s.ServerErrors)),
		Tools:             make([]models.Tool, len(s.Tools)),
		Resources:         append([]models.Resource(nil), s.Resources...),
		PublishTargets:    make([]models.PublishTarget, len(s.PublishTargets)),
		SyncConfigs:       append([]models.SyncConfig(nil), s.SyncConfigs...),
		SyncStatuses:      make(map[string]models.SyncStatus, len(s.SyncStatuses)),
		MarketplaceSource: s.MarketplaceSource,
	}
	for i, cfg := range s.Servers {
		out.Servers[i] = cfg.Clone()
	}
	for k, v := range s.Connected {
		out.Connected[k] = v
	}
	for k, v := range s.ServerErrors {
		out.ServerErrors[k] = v
	}
	for i, tool := range s.Tools {
		tool.InputSchema = append([]byte(nil), tool.InputSchema...)
		out.Tools[i] = tool
	}
	for i, target := range s.PublishTargets {
		target.Config = cloneJSONB(target.Config)
		out.PublishTargets[i] = target
	}
	for k, v := range s.SyncStatuses {
		if v.LastSyncAt != nil {
			at := *v.LastSyncAt
			v.LastSyncAt = &at
		}
		out.SyncStatuses[k] = v
	}
	return out
}

func cloneJSONB(src models.JSONB) models.JSONB {
	if src == nil {
		return nil
	}
	dst := make(models.JSONB, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Server 按 ID 查找服务器配置
func (s *State) Server(id string) (models.ServerConfig, bool) {
	for _, cfg := range s.Servers {
		if cfg.ID == id {
			return cfg, true
		}
	}
	return models.ServerConfig{}, false
}

// IsConnected 判断服务器是否已连接
func (s *State) IsConnected(id string) bool {
	return s.Connected[id]
}

// ConnectedIDs 返回已连接的服务器 ID（排序）
func (s *State) ConnectedIDs() []string {
	ids := make([]string, 0, len(s.Connected))
	for id, ok := range s.Connected {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindTool 按名称查找工具，同名时返回合并列表中的第一个
func (s *State) FindTool(name string) (models.Tool, bool) {
	for _, tool := range s.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return models.Tool{}, false
}

// ToolsFor 返回某个服务器的工具
func (s *State) ToolsFor(serverID string) []models.Tool {
	var out []models.Tool
	for _, tool := range s.Tools {
		if tool.ServerID == serverID {
			out = append(out, tool)
		}
	}
	return out
}

// PublishTarget 按 ID 查找发布目标
func (s *State) PublishTarget(id string) (models.PublishTarget, bool) {
	for _, target := range s.PublishTargets {
		if target.ID == id {
			return target, true
		}
	}
	return models.PublishTarget{}, false
}

// SyncConfig 按 ID 查找同步配置
func (s *State) SyncConfig(id string) (models.SyncConfig, bool) {
	for _, cfg := range s.SyncConfigs {
		if cfg.ID == id {
			return cfg, true
		}
	}
	return models.SyncConfig{}, false
}

// replaceOwned 先删除该服务器的全部工具/资源，再追加新的（按归属替换）
func (s *State) replaceOwned(serverID string, tools []models.Tool, resources []models.Resource) {
	s.purgeOwned(serverID)
	s.Tools = append(s.Tools, tools...)
	s.Resources = append(s.Resources, resources...)
}

func (s *State) purgeOwned(serverID string) {
	tools := s.Tools[:0]
	for _, tool := range s.Tools {
		if tool.ServerID != serverID {
			tools = append(tools, tool)
		}
	}
	s.Tools = tools

	resources := s.Resources[:0]
	for _, res := range s.Resources {
		if res.ServerID != serverID {
			resources = append(resources, res)
		}
	}
	s.Resources = resources
}
