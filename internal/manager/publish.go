package manager

import (
	"context"
	"strings"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"

	"github.com/tidwall/gjson"
)

// publishTool 发布目标服务器必须提供的工具名
const publishTool = "publish"

// AddPublishTarget 添加发布目标并持久化
func (r *Registry) AddPublishTarget(target models.PublishTarget) error {
	if target.ID == "" || target.McpServerID == "" {
		return apperrors.New(apperrors.CodeConfiguration, "publish target requires id and mcpServerId")
	}
	s, err := r.update(func(s *State) error {
		if _, exists := s.PublishTarget(target.ID); exists {
			return apperrors.New(apperrors.CodeConfiguration, "Publish target already exists: "+target.ID)
		}
		target.Config = cloneJSONB(target.Config)
		s.PublishTargets = append(s.PublishTargets, target)
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// RemovePublishTarget 删除发布目标并持久化
func (r *Registry) RemovePublishTarget(id string) error {
	s, err := r.update(func(s *State) error {
		for i, target := range s.PublishTargets {
			if target.ID == id {
				s.PublishTargets = append(s.PublishTargets[:i], s.PublishTargets[i+1:]...)
				return nil
			}
		}
		return apperrors.New(apperrors.CodeConfiguration, "Publish target not found: "+id)
	})
	if err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// PublishDocument 通过目标服务器的 publish 工具发布文档
//
// 回复的第一个文本块尝试按 {url, message} 解析，失败时原文作为 message。
func (r *Registry) PublishDocument(ctx context.Context, req models.PublishRequest) (*models.PublishResult, error) {
	target, ok := r.current().PublishTarget(req.TargetID)
	if !ok {
		return nil, apperrors.New(apperrors.CodeConfiguration, "Publish target not found: "+req.TargetID)
	}
	if _, err := r.liveClient(target.McpServerID); err != nil {
		return nil, err
	}

	metadata := map[string]interface{}(req.Metadata)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	targetConfig := map[string]interface{}(target.Config)
	if targetConfig == nil {
		targetConfig = map[string]interface{}{}
	}

	text, err := r.callForText(ctx, target.McpServerID, publishTool, map[string]any{
		"title":        req.Title,
		"content":      req.Content,
		"format":       req.Format,
		"metadata":     metadata,
		"targetConfig": targetConfig,
	})
	if err != nil {
		return nil, err
	}

	result := parsePublishReply(text)
	logger.InfoWithFields("document published", map[string]interface{}{
		"target_id": target.ID,
		"server_id": target.McpServerID,
		"url":       result.URL,
	})
	return result, nil
}

func parsePublishReply(text string) *models.PublishResult {
	trimmed := strings.TrimSpace(text)
	if gjson.Valid(trimmed) {
		if reply := gjson.Parse(trimmed); reply.IsObject() {
			result := &models.PublishResult{
				Success: true,
				URL:     reply.Get("url").String(),
				Message: reply.Get("message").String(),
			}
			return result
		}
	}
	return &models.PublishResult{Success: true, Message: text}
}

// DiscoverPublishTargets 扫描合并工具列表，为名称或描述包含 publish 的服务器提出候选目标
func (r *Registry) DiscoverPublishTargets() []models.PublishTarget {
	snap := r.current()
	seen := map[string]bool{}
	var targets []models.PublishTarget
	for _, tool := range snap.Tools {
		if seen[tool.ServerID] {
			continue
		}
		if !strings.Contains(strings.ToLower(tool.Name), publishTool) &&
			!strings.Contains(strings.ToLower(tool.Description), publishTool) {
			continue
		}
		seen[tool.ServerID] = true
		name := tool.ServerID
		if cfg, ok := snap.Server(tool.ServerID); ok {
			name = cfg.Name
		}
		targets = append(targets, models.PublishTarget{
			ID:          "discovered-" + tool.ServerID,
			Name:        name,
			Type:        tool.Name,
			McpServerID: tool.ServerID,
		})
	}
	return targets
}
