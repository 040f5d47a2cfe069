package dynamic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"

	"github.com/google/uuid"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// CreateParams 创建动态服务的参数
type CreateParams struct {
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Tools        []models.ToolDefinition `json:"tools"`
	HandlersCode string                  `json:"handlersCode"`
	Env          map[string]string       `json:"env,omitempty"`
	// Temporary 为 true 时创建 temp 服务，退出时清理
	Temporary bool `json:"temporary,omitempty"`
}

// Validate 校验名称、工具列表和处理代码
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.New(apperrors.CodeConfiguration, "service name is required")
	}
	if len(p.Tools) == 0 {
		return apperrors.New(apperrors.CodeConfiguration, "service must define at least one tool")
	}
	seen := make(map[string]bool, len(p.Tools))
	for _, tool := range p.Tools {
		if !toolNamePattern.MatchString(tool.Name) {
			return apperrors.New(apperrors.CodeConfiguration, fmt.Sprintf("invalid tool name %q", tool.Name))
		}
		if seen[tool.Name] {
			return apperrors.New(apperrors.CodeConfiguration, "duplicate tool name: "+tool.Name)
		}
		seen[tool.Name] = true
		if len(tool.InputSchema) > 0 && !json.Valid(tool.InputSchema) {
			return apperrors.New(apperrors.CodeConfiguration, "invalid inputSchema for tool "+tool.Name)
		}
	}
	if strings.TrimSpace(p.HandlersCode) == "" {
		return apperrors.New(apperrors.CodeConfiguration, "handlers code is required")
	}
	return nil
}

func (m *Manager) requireAvailable() error {
	ok, _, reason := m.Available()
	if !ok {
		return apperrors.New(apperrors.CodeUnavailable, "dynamic services are unavailable: "+reason)
	}
	return nil
}

func (m *Manager) lifecycleDir(lifecycle models.Lifecycle, id string) string {
	return filepath.Join(m.opts.BaseDir, string(lifecycle), id)
}

// CreateService 写入服务文件，经用户确认后注册并连接
//
// 拒绝确认时删除服务文件和记录，返回状态为 error 的服务，不注册服务器配置，也不启动进程。
func (m *Manager) CreateService(ctx context.Context, params CreateParams) (models.DynamicService, error) {
	if err := m.requireAvailable(); err != nil {
		return models.DynamicService{}, err
	}
	if err := params.Validate(); err != nil {
		return models.DynamicService{}, err
	}
	runtimePath, err := m.EnsureRuntime()
	if err != nil {
		return models.DynamicService{}, err
	}

	lifecycle := models.LifecycleSaved
	if params.Temporary {
		lifecycle = models.LifecycleTemp
	}
	id := uuid.NewString()
	dir := m.lifecycleDir(lifecycle, id)
	if err := writeServiceFiles(dir, params); err != nil {
		_ = os.RemoveAll(dir)
		return models.DynamicService{}, err
	}
	sum, err := checksum(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return models.DynamicService{}, apperrors.Wrap(apperrors.CodePersistence, "failed to hash service files", err)
	}

	toolNames := make([]string, len(params.Tools))
	for i, tool := range params.Tools {
		toolNames[i] = tool.Name
	}
	svc := models.DynamicService{
		ID:          id,
		Name:        strings.TrimSpace(params.Name),
		Description: params.Description,
		Status:      models.ServiceStarting,
		Lifecycle:   lifecycle,
		McpServerID: ServerIDPrefix + id,
		ServiceDir:  dir,
		CreatedAt:   time.Now().UTC(),
		Tools:       toolNames,
		Env:         params.Env,
	}
	m.mu.Lock()
	stored := svc.Clone()
	m.services[id] = &stored
	m.mu.Unlock()

	if err := m.approve(ctx, svc); err != nil {
		m.discard(id, dir)
		svc.Status = models.ServiceError
		svc.Error = err.Error()
		return svc, err
	}
	m.update(id, func(s *models.DynamicService) { s.Checksum = sum })

	cfg := m.serverConfig(svc, runtimePath)
	if err := m.opts.Registry.AddServer(cfg); err != nil {
		m.markError(id, err.Error())
		failed, _ := m.Get(id)
		return failed, err
	}
	if err := m.opts.Registry.ConnectServer(ctx, cfg); err != nil {
		m.markError(id, err.Error())
		m.persist()
		failed, _ := m.Get(id)
		return failed, err
	}
	m.update(id, func(s *models.DynamicService) {
		s.Status = models.ServiceRunning
		s.Error = ""
	})
	m.persist()

	created, _ := m.Get(id)
	logger.InfoWithFields("dynamic service created", map[string]interface{}{
		"service_id": id,
		"name":       created.Name,
		"lifecycle":  string(created.Lifecycle),
		"tools":      strings.Join(created.Tools, ","),
	})
	m.emit(Event{Type: EventCreated, Service: created})
	return created, nil
}

// discard 删除未获批准的服务：目录和内存记录都不保留
func (m *Manager) discard(id, dir string) {
	m.mu.Lock()
	delete(m.services, id)
	m.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove declined service directory %s: %v", dir, err)
	}
}

// approve 安全确认：列出服务名称和将暴露的工具
func (m *Manager) approve(ctx context.Context, svc models.DynamicService) error {
	if m.opts.AutoApprove {
		return nil
	}
	declined := apperrors.WithMetadata(apperrors.CodeSecurityDeclined,
		"User declined to start dynamic service: "+svc.Name,
		map[string]string{"service_id": svc.ID})
	if m.opts.Confirmer == nil {
		return declined
	}
	title := "Start dynamic MCP service?"
	message := fmt.Sprintf("%q will run generated code and expose these tools: %s",
		svc.Name, strings.Join(svc.Tools, ", "))
	ok, err := m.opts.Confirmer.Confirm(ctx, title, message)
	if err != nil {
		logger.Warn("confirmation for %s failed: %v", svc.Name, err)
		return apperrors.Wrap(apperrors.CodeSecurityDeclined, declined.Message, err)
	}
	if !ok {
		return declined
	}
	return nil
}

func writeServiceFiles(dir string, params CreateParams) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to create service directory", err)
	}
	def := models.ServiceDefinition{
		Name:        strings.TrimSpace(params.Name),
		Description: params.Description,
		Tools:       params.Tools,
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to encode definition", err)
	}
	if err := os.WriteFile(filepath.Join(dir, definitionFile), data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to write definition", err)
	}
	if err := os.WriteFile(filepath.Join(dir, handlersFile), []byte(params.HandlersCode), 0o644); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to write handlers", err)
	}
	return nil
}

// SaveService 把 temp 服务复制到 saved 目录，按新目录重连并持久化
func (m *Manager) SaveService(ctx context.Context, id string) (models.DynamicService, error) {
	svc, ok := m.Get(id)
	if !ok {
		return models.DynamicService{}, serviceNotFound(id)
	}
	if svc.Lifecycle == models.LifecycleSaved {
		return svc, nil
	}

	oldDir := svc.ServiceDir
	newDir := m.lifecycleDir(models.LifecycleSaved, id)
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return svc, apperrors.Wrap(apperrors.CodePersistence, "failed to create saved directory", err)
	}
	for _, name := range []string{definitionFile, handlersFile} {
		if err := copyFile(filepath.Join(oldDir, name), filepath.Join(newDir, name)); err != nil {
			_ = os.RemoveAll(newDir)
			return svc, apperrors.Wrap(apperrors.CodePersistence, "failed to copy "+name, err)
		}
	}

	m.update(id, func(s *models.DynamicService) {
		s.Lifecycle = models.LifecycleSaved
		s.ServiceDir = newDir
	})
	saved, _ := m.Get(id)

	// 获批的服务都已注册配置；未运行的服务只更新配置，不重连
	if saved.Checksum != "" {
		runtimePath, err := m.EnsureRuntime()
		if err == nil {
			err = m.opts.Registry.UpdateServer(ctx, m.serverConfig(saved, runtimePath))
		}
		if err != nil {
			m.markError(id, err.Error())
		}
	}
	if err := os.RemoveAll(oldDir); err != nil {
		logger.Warn("failed to remove temp directory %s: %v", oldDir, err)
	}
	m.persist()

	saved, _ = m.Get(id)
	m.emit(Event{Type: EventSaved, Service: saved})
	return saved, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RemoveService 断开并删除服务器配置，尽力删除目录
//
// 目录删除失败只记录日志，注册表的删除结果为准。
func (m *Manager) RemoveService(id string) error {
	svc, ok := m.Get(id)
	if !ok {
		return serviceNotFound(id)
	}
	if err := m.opts.Registry.RemoveServer(svc.McpServerID); err != nil &&
		!apperrors.HasCode(err, apperrors.CodeConfiguration) {
		return err
	}
	if err := os.RemoveAll(svc.ServiceDir); err != nil {
		logger.Warn("failed to remove service directory %s: %v", svc.ServiceDir, err)
	}

	m.mu.Lock()
	delete(m.services, id)
	m.mu.Unlock()
	if svc.Lifecycle == models.LifecycleSaved {
		m.persist()
	}

	svc.Status = models.ServiceStopped
	logger.Info("dynamic service removed: %s (%s)", svc.Name, id)
	m.emit(Event{Type: EventRemoved, Service: svc})
	return nil
}

// CleanupTempServices 删除全部 temp 服务（无需确认），返回删除的数量
func (m *Manager) CleanupTempServices() int {
	var ids []string
	m.mu.Lock()
	for id, svc := range m.services {
		if svc.Lifecycle == models.LifecycleTemp {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if err := m.RemoveService(id); err != nil {
			logger.Warn("cleanup of temp service %s failed: %v", id, err)
			continue
		}
		removed++
	}

	// 清理上次运行遗留的 temp 目录
	tempRoot := filepath.Join(m.opts.BaseDir, string(models.LifecycleTemp))
	if entries, err := os.ReadDir(tempRoot); err == nil {
		for _, entry := range entries {
			if _, known := m.Get(entry.Name()); !known {
				_ = os.RemoveAll(filepath.Join(tempRoot, entry.Name()))
			}
		}
	}
	return removed
}

func serviceNotFound(id string) error {
	return apperrors.WithMetadata(apperrors.CodeConfiguration, "Dynamic service not found: "+id,
		map[string]string{"service_id": id})
}
