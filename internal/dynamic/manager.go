// Package dynamic 管理运行时生成的 MCP 服务：代码写入独立目录，由共享运行时脚本以 stdio 方式启动，
// 再像普通服务器一样交给连接注册表管理。
package dynamic

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

// DocumentName 已保存服务的持久化文档
const DocumentName = "dynamic-services.json"

// ServerIDPrefix 动态服务在注册表中的服务器 ID 前缀
const ServerIDPrefix = "dynamic-"

// Registry 动态服务依赖的连接注册表操作
type Registry interface {
	AddServer(cfg models.ServerConfig) error
	UpdateServer(ctx context.Context, cfg models.ServerConfig) error
	ConnectServer(ctx context.Context, cfg models.ServerConfig) error
	RemoveServer(id string) error
}

// Store 设置文档存储
type Store interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
}

// Confirmer 阻塞式确认提示
type Confirmer interface {
	Confirm(ctx context.Context, title, message string) (bool, error)
}

// EventType 动态服务事件类型
type EventType string

const (
	EventCreated EventType = "created"
	EventSaved   EventType = "saved"
	EventRemoved EventType = "removed"
)

// Event 通知观察者的服务变化
type Event struct {
	Type    EventType             `json:"type"`
	Service models.DynamicService `json:"service"`
}

// Options 动态服务管理器参数
type Options struct {
	BaseDir     string
	Interpreter string
	MinVersion  string
	AutoApprove bool

	Registry  Registry
	Store     Store
	Confirmer Confirmer
	Version   VersionReader
	// Emit 在锁外调用
	Emit func(Event)
}

type document struct {
	Services []models.DynamicService `json:"services"`
}

// Manager 动态服务管理器
type Manager struct {
	opts Options

	mu        sync.Mutex
	services  map[string]*models.DynamicService
	available bool
	version   string
	reason    string

	runtimeMu sync.Mutex
	persistMu sync.Mutex
}

// NewManager 创建管理器；调用 Init 之前功能不可用
func NewManager(opts Options) *Manager {
	if opts.Interpreter == "" {
		opts.Interpreter = "node"
	}
	if opts.Version == nil {
		opts.Version = ExecVersion
	}
	return &Manager{
		opts:     opts,
		services: make(map[string]*models.DynamicService),
		reason:   "not initialized",
	}
}

// Init 探测解释器版本，加载已保存的服务并逐个重连
//
// 解释器不可用或版本过低时只关闭该功能，不返回错误。
// 单个已保存服务的重连失败只记录在该服务上。
func (m *Manager) Init(ctx context.Context) error {
	version, err := m.opts.Version(ctx, m.opts.Interpreter)
	switch {
	case err != nil:
		m.setAvailability(false, "", err.Error())
		logger.Warn("dynamic services disabled: %v", err)
		return nil
	case !versionSupported(version, m.opts.MinVersion):
		reason := m.opts.Interpreter + " " + version + " is older than required " + m.opts.MinVersion
		m.setAvailability(false, version, reason)
		logger.Warn("dynamic services disabled: %s", reason)
		return nil
	}
	m.setAvailability(true, version, "")
	logger.Info("dynamic services enabled (%s %s)", m.opts.Interpreter, version)

	if _, err := m.EnsureRuntime(); err != nil {
		m.setAvailability(false, version, err.Error())
		logger.Error("dynamic services disabled: %v", err)
		return nil
	}

	saved, err := m.loadSaved(ctx)
	if err != nil {
		logger.Warn("failed to load %s: %v", DocumentName, err)
		return nil
	}

	var wg sync.WaitGroup
	for _, svc := range saved {
		m.mu.Lock()
		copied := svc.Clone()
		copied.Status = models.ServiceStarting
		copied.Error = ""
		m.services[svc.ID] = &copied
		m.mu.Unlock()

		wg.Add(1)
		go func(svc models.DynamicService) {
			defer wg.Done()
			m.reconnectSaved(ctx, svc)
		}(copied)
	}
	wg.Wait()

	m.persist()
	return nil
}

func (m *Manager) setAvailability(ok bool, version, reason string) {
	m.mu.Lock()
	m.available = ok
	m.version = version
	m.reason = reason
	m.mu.Unlock()
}

func (m *Manager) loadSaved(ctx context.Context) ([]models.DynamicService, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	var doc document
	found, err := m.opts.Store.Load(ctx, DocumentName, &doc)
	if err != nil || !found {
		return nil, err
	}
	saved := doc.Services[:0]
	for _, svc := range doc.Services {
		if svc.ID != "" && svc.Lifecycle == models.LifecycleSaved {
			saved = append(saved, svc)
		}
	}
	return saved, nil
}

// reconnectSaved 校验目录和文件后重连已保存服务
//
// 用户批准过的代码直接启动；磁盘上的文件与批准时的哈希不一致时重新走确认流程。
func (m *Manager) reconnectSaved(ctx context.Context, svc models.DynamicService) {
	if _, err := os.Stat(filepath.Join(svc.ServiceDir, definitionFile)); err != nil {
		m.markError(svc.ID, "service files missing: "+err.Error())
		return
	}
	sum, err := checksum(svc.ServiceDir)
	if err != nil {
		m.markError(svc.ID, "failed to read service files: "+err.Error())
		return
	}
	if sum != svc.Checksum {
		logger.WarnWithFields("saved dynamic service changed since approval", map[string]interface{}{
			"service_id": svc.ID,
			"name":       svc.Name,
		})
		if err := m.approve(ctx, svc); err != nil {
			m.markError(svc.ID, err.Error())
			return
		}
		m.update(svc.ID, func(s *models.DynamicService) { s.Checksum = sum })
	}

	runtimePath, err := m.EnsureRuntime()
	if err != nil {
		m.markError(svc.ID, err.Error())
		return
	}
	cfg := m.serverConfig(svc, runtimePath)
	if err := m.opts.Registry.AddServer(cfg); err != nil && !alreadyExists(err) {
		m.markError(svc.ID, err.Error())
		return
	}
	if err := m.opts.Registry.ConnectServer(ctx, cfg); err != nil {
		m.markError(svc.ID, err.Error())
		return
	}
	m.update(svc.ID, func(s *models.DynamicService) {
		s.Status = models.ServiceRunning
		s.Error = ""
	})
	logger.Info("dynamic service reconnected: %s (%s)", svc.Name, svc.ID)
}

func alreadyExists(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeConfiguration) &&
		strings.HasPrefix(err.Error(), "MCP server already exists")
}

func (m *Manager) markError(id, message string) {
	m.update(id, func(s *models.DynamicService) {
		s.Status = models.ServiceError
		s.Error = message
	})
	logger.WarnWithFields("dynamic service failed", map[string]interface{}{
		"service_id": id,
		"error":      message,
	})
}

func (m *Manager) update(id string, fn func(*models.DynamicService)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[id]; ok {
		fn(svc)
	}
}

// serverConfig 构造以解释器运行共享脚本的 stdio 配置
func (m *Manager) serverConfig(svc models.DynamicService, runtimePath string) models.ServerConfig {
	env := make(map[string]string, len(svc.Env))
	for k, v := range svc.Env {
		env[k] = v
	}
	return models.ServerConfig{
		ID:          svc.McpServerID,
		Name:        svc.Name,
		Description: svc.Description,
		Enabled:     true,
		Dynamic:     true,
		Transport: models.TransportConfig{
			Type:    models.TransportStdio,
			Command: m.opts.Interpreter,
			Args:    []string{runtimePath, "--dir", svc.ServiceDir},
			Env:     env,
		},
	}
}

// persist 写入全部已批准的 saved 服务，失败只记录日志
func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	doc := document{Services: []models.DynamicService{}}
	for _, svc := range m.services {
		if svc.Lifecycle == models.LifecycleSaved && svc.Checksum != "" {
			doc.Services = append(doc.Services, svc.Clone())
		}
	}
	m.mu.Unlock()
	sortServices(doc.Services)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Store.Save(ctx, DocumentName, doc); err != nil {
		logger.ErrorWithFields("failed to persist dynamic services", map[string]interface{}{
			"services": len(doc.Services),
			"error":    err.Error(),
		})
	}
}

func (m *Manager) emit(event Event) {
	if m.opts.Emit != nil {
		m.opts.Emit(event)
	}
}

// Available 返回功能是否可用、探测到的解释器版本，以及不可用的原因
func (m *Manager) Available() (bool, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, m.version, m.reason
}

// List 按创建时间返回全部动态服务
func (m *Manager) List() []models.DynamicService {
	m.mu.Lock()
	out := make([]models.DynamicService, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc.Clone())
	}
	m.mu.Unlock()
	sortServices(out)
	return out
}

// Get 按 ID 查找动态服务
func (m *Manager) Get(id string) (models.DynamicService, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return models.DynamicService{}, false
	}
	return svc.Clone(), true
}

func sortServices(services []models.DynamicService) {
	sort.Slice(services, func(i, j int) bool {
		if services[i].CreatedAt.Equal(services[j].CreatedAt) {
			return services[i].ID < services[j].ID
		}
		return services[i].CreatedAt.Before(services[j].CreatedAt)
	})
}
