package manager

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

// syncTool 知识库服务器必须提供的工具名
const syncTool = "sync_file"

// 本地收集文件时的单文件大小上限
const maxSyncFileSize = 1 << 20

// AddSyncConfig 添加同步任务并持久化
func (r *Registry) AddSyncConfig(cfg models.SyncConfig) error {
	if cfg.ID == "" || cfg.McpServerID == "" {
		return apperrors.New(apperrors.CodeConfiguration, "sync config requires id and mcpServerId")
	}
	s, err := r.update(func(s *State) error {
		if _, exists := s.SyncConfig(cfg.ID); exists {
			return apperrors.New(apperrors.CodeConfiguration, "Sync config already exists: "+cfg.ID)
		}
		s.SyncConfigs = append(s.SyncConfigs, cfg)
		s.SyncStatuses[cfg.ID] = models.SyncStatus{ConfigID: cfg.ID, State: models.SyncIdle}
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// RemoveSyncConfig 删除同步任务及其状态并持久化
func (r *Registry) RemoveSyncConfig(id string) error {
	s, err := r.update(func(s *State) error {
		for i, cfg := range s.SyncConfigs {
			if cfg.ID == id {
				s.SyncConfigs = append(s.SyncConfigs[:i], s.SyncConfigs[i+1:]...)
				delete(s.SyncStatuses, id)
				return nil
			}
		}
		return apperrors.New(apperrors.CodeConfiguration, "Sync config not found: "+id)
	})
	if err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// SyncStatus 返回同步任务状态
func (r *Registry) SyncStatus(id string) (models.SyncStatus, bool) {
	status, ok := r.current().SyncStatuses[id]
	return status, ok
}

func (r *Registry) setSyncStatus(status models.SyncStatus) {
	_, _ = r.update(func(s *State) error {
		if _, ok := s.SyncConfig(status.ConfigID); !ok {
			return nil
		}
		s.SyncStatuses[status.ConfigID] = status
		return nil
	})
}

// SyncToKnowledgeBase 逐个文件调用 sync_file（严格顺序）
//
// 服务器未连接时在修改状态之前直接拒绝；否则状态经过 syncing，最终为 success 或 error。
func (r *Registry) SyncToKnowledgeBase(ctx context.Context, configID string, files []models.SyncFile) (models.SyncStatus, error) {
	cfg, ok := r.current().SyncConfig(configID)
	if !ok {
		return models.SyncStatus{}, apperrors.New(apperrors.CodeConfiguration, "Sync config not found: "+configID)
	}
	if _, err := r.liveClient(cfg.McpServerID); err != nil {
		return models.SyncStatus{}, apperrors.WithMetadata(apperrors.CodeConfiguration, "MCP server not connected",
			map[string]string{"server_id": cfg.McpServerID, "config_id": configID})
	}

	// 同一任务不并发执行
	_, err := r.update(func(s *State) error {
		if s.SyncStatuses[configID].State == models.SyncSyncing {
			return apperrors.New(apperrors.CodeConfiguration, "sync already in progress: "+configID)
		}
		prev := s.SyncStatuses[configID]
		s.SyncStatuses[configID] = models.SyncStatus{
			ConfigID:    configID,
			State:       models.SyncSyncing,
			LastSyncAt:  prev.LastSyncAt,
			FilesSynced: prev.FilesSynced,
		}
		return nil
	})
	if err != nil {
		return models.SyncStatus{}, err
	}

	synced := 0
	for _, file := range files {
		_, err := r.callForText(ctx, cfg.McpServerID, syncTool, map[string]any{
			"path":       file.Path,
			"content":    file.Content,
			"remotePath": path.Join(cfg.RemotePath, filepath.ToSlash(file.Path)),
		})
		if err != nil {
			prev, _ := r.SyncStatus(configID)
			status := models.SyncStatus{
				ConfigID:    configID,
				State:       models.SyncError,
				LastSyncAt:  prev.LastSyncAt,
				FilesSynced: synced,
				Error:       err.Error(),
			}
			r.setSyncStatus(status)
			logger.WarnWithFields("knowledge base sync failed", map[string]interface{}{
				"config_id": configID,
				"file":      file.Path,
				"error":     err.Error(),
			})
			return status, err
		}
		synced++
	}

	now := time.Now()
	status := models.SyncStatus{
		ConfigID:    configID,
		State:       models.SyncSuccess,
		LastSyncAt:  &now,
		FilesSynced: synced,
	}
	r.setSyncStatus(status)
	logger.InfoWithFields("knowledge base synced", map[string]interface{}{
		"config_id": configID,
		"files":     synced,
	})
	return status, nil
}

// FileCollector 为同步任务收集待同步的文件
type FileCollector func(ctx context.Context, cfg models.SyncConfig) ([]models.SyncFile, error)

// StartAutoSync 周期性检查带间隔的同步任务，到期且服务器已连接时执行同步；ctx 取消后停止
func (r *Registry) StartAutoSync(ctx context.Context, collect FileCollector) {
	if collect == nil {
		collect = LocalFileCollector
	}
	ticker := time.NewTicker(r.opts.AutoSyncTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.runDueSyncs(ctx, now, collect)
			}
		}
	}()
}

func (r *Registry) runDueSyncs(ctx context.Context, now time.Time, collect FileCollector) {
	snap := r.current()
	for _, cfg := range snap.SyncConfigs {
		if cfg.IntervalMinutes <= 0 || !snap.IsConnected(cfg.McpServerID) {
			continue
		}
		status := snap.SyncStatuses[cfg.ID]
		if status.State == models.SyncSyncing {
			continue
		}
		interval := time.Duration(cfg.IntervalMinutes) * time.Minute
		if status.LastSyncAt != nil && now.Sub(*status.LastSyncAt) < interval {
			continue
		}
		files, err := collect(ctx, cfg)
		if err != nil {
			logger.Warn("auto sync %s: collect files: %v", cfg.ID, err)
			continue
		}
		if _, err := r.SyncToKnowledgeBase(ctx, cfg.ID, files); err != nil {
			logger.Warn("auto sync %s failed: %v", cfg.ID, err)
		}
	}
}

// LocalFileCollector 收集 LocalPath 下的普通文件（跳过隐藏文件和过大的文件），路径相对于 LocalPath
func LocalFileCollector(ctx context.Context, cfg models.SyncConfig) ([]models.SyncFile, error) {
	if cfg.LocalPath == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "sync config has no localPath: "+cfg.ID)
	}
	var files []models.SyncFile
	err := filepath.WalkDir(cfg.LocalPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p != cfg.LocalPath && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSyncFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cfg.LocalPath, p)
		if err != nil {
			return err
		}
		files = append(files, models.SyncFile{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to collect files from "+cfg.LocalPath, err)
	}
	return files, nil
}
