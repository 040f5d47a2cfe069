// Package manager 实现连接注册表：服务器配置、已连接集合、合并后的工具/资源列表、
// 发布目标和同步任务。
//
// 所有状态变更都在单个 actor 协程中串行执行，读者通过 Snapshot 或 Subscribe 获得不可变快照。
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

// SettingsDocument 设置文档名称
const SettingsDocument = "mcp-servers.json"

// DefaultMarketplaceSource 未设置时使用的市场来源
const DefaultMarketplaceSource = "official"

// Options 注册表参数
type Options struct {
	Store   SettingsStore
	Factory ClientFactory
	// ConnectTimeout 覆盖连接、握手和发现
	ConnectTimeout time.Duration
	// RequestTimeout 单次工具调用/资源读取的超时，0 表示不限制
	RequestTimeout time.Duration
	// AutoSyncTick 自动同步的检查周期
	AutoSyncTick time.Duration
	// DefaultMarketplaceSource 文档中没有来源时使用
	DefaultMarketplaceSource string
}

// settings 持久化文档结构
type settings struct {
	Servers           []models.ServerConfig  `json:"servers"`
	SyncConfigs       []models.SyncConfig    `json:"syncConfigs"`
	PublishTargets    []models.PublishTarget `json:"publishTargets"`
	MarketplaceSource string                 `json:"marketplaceSource"`
}

type command struct {
	fn    func(*State) error
	reply chan commandResult
}

type commandResult struct {
	state *State
	err   error
}

// Registry 连接注册表
type Registry struct {
	opts Options

	cmds chan command
	snap atomic.Pointer[State]
	done chan struct{}
	stop sync.Once

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int

	clientsMu sync.Mutex
	clients   map[string]ClientInterface

	// 每个服务器 ID 一把锁，保证连接/断开串行
	serverLocks sync.Map

	persistMu        sync.Mutex
	persistedVersion uint64
}

// NewRegistry 创建注册表并启动 actor 协程
func NewRegistry(opts Options) *Registry {
	if opts.AutoSyncTick <= 0 {
		opts.AutoSyncTick = time.Minute
	}
	if opts.DefaultMarketplaceSource == "" {
		opts.DefaultMarketplaceSource = DefaultMarketplaceSource
	}
	r := &Registry{
		opts:    opts,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		subs:    make(map[int]chan State),
		clients: make(map[string]ClientInterface),
	}
	initial := newState()
	initial.MarketplaceSource = opts.DefaultMarketplaceSource
	r.snap.Store(initial)
	go r.loop(initial)
	return r
}

// loop actor：串行执行变更并广播新快照
func (r *Registry) loop(current *State) {
	for {
		select {
		case cmd := <-r.cmds:
			next := current.clone()
			if err := cmd.fn(next); err != nil {
				cmd.reply <- commandResult{state: current, err: err}
				continue
			}
			next.Version = current.Version + 1
			current = next
			r.snap.Store(current)
			r.broadcast(current)
			cmd.reply <- commandResult{state: current}
		case <-r.done:
			return
		}
	}
}

// update 提交一个变更；fn 返回错误时状态不变
func (r *Registry) update(fn func(*State) error) (*State, error) {
	reply := make(chan commandResult, 1)
	select {
	case r.cmds <- command{fn: fn, reply: reply}:
	case <-r.done:
		return nil, apperrors.New(apperrors.CodeUnavailable, "registry closed")
	}
	res := <-reply
	return res.state, res.err
}

// Snapshot 返回当前状态的副本
func (r *Registry) Snapshot() State {
	return *r.snap.Load().clone()
}

func (r *Registry) current() *State {
	return r.snap.Load()
}

// Subscribe 订阅快照变化；通道只保留最新的快照。返回的函数用于取消订阅
func (r *Registry) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	return ch, func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Registry) broadcast(s *State) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		snapshot := *s.clone()
		select {
		case ch <- snapshot:
		default:
			// 丢弃未读取的旧快照
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Load 从存储加载设置文档；读取失败时记录日志并保留空状态
func (r *Registry) Load(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	var doc settings
	found, err := r.opts.Store.Load(ctx, SettingsDocument, &doc)
	if err != nil {
		logger.Warn("failed to load %s: %v", SettingsDocument, err)
		return err
	}
	if !found {
		return nil
	}

	_, err = r.update(func(s *State) error {
		s.Servers = s.Servers[:0]
		for _, cfg := range doc.Servers {
			if cfg.Dynamic {
				continue
			}
			if err := cfg.Validate(); err != nil {
				logger.Warn("skipping invalid server config: %v", err)
				continue
			}
			s.Servers = append(s.Servers, cfg)
		}
		s.SyncConfigs = append([]models.SyncConfig(nil), doc.SyncConfigs...)
		for _, cfg := range s.SyncConfigs {
			if _, ok := s.SyncStatuses[cfg.ID]; !ok {
				s.SyncStatuses[cfg.ID] = models.SyncStatus{ConfigID: cfg.ID, State: models.SyncIdle}
			}
		}
		s.PublishTargets = append([]models.PublishTarget(nil), doc.PublishTargets...)
		if doc.MarketplaceSource != "" {
			s.MarketplaceSource = doc.MarketplaceSource
		}
		return nil
	})
	if err != nil {
		return err
	}

	snap := r.current()
	logger.InfoWithFields("settings loaded", map[string]interface{}{
		"servers":         len(snap.Servers),
		"sync_configs":    len(snap.SyncConfigs),
		"publish_targets": len(snap.PublishTargets),
	})
	return nil
}

// persist 整体写入设置文档；旧版本快照不会覆盖新版本，写入失败只记录日志
func (r *Registry) persist(s *State) {
	if r.opts.Store == nil || s == nil {
		return
	}
	doc := settings{
		Servers:           make([]models.ServerConfig, 0, len(s.Servers)),
		SyncConfigs:       s.SyncConfigs,
		PublishTargets:    s.PublishTargets,
		MarketplaceSource: s.MarketplaceSource,
	}
	for _, cfg := range s.Servers {
		if !cfg.Dynamic {
			doc.Servers = append(doc.Servers, cfg)
		}
	}
	if doc.SyncConfigs == nil {
		doc.SyncConfigs = []models.SyncConfig{}
	}
	if doc.PublishTargets == nil {
		doc.PublishTargets = []models.PublishTarget{}
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if s.Version <= r.persistedVersion {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.opts.Store.Save(ctx, SettingsDocument, doc); err != nil {
		logger.ErrorWithFields("failed to persist settings", map[string]interface{}{
			"version": s.Version,
			"error":   err.Error(),
		})
		return
	}
	r.persistedVersion = s.Version
}

// AddServer 添加服务器配置并持久化
func (r *Registry) AddServer(cfg models.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "invalid server config", err)
	}
	s, err := r.update(func(s *State) error {
		if _, exists := s.Server(cfg.ID); exists {
			return apperrors.New(apperrors.CodeConfiguration, "MCP server already exists: "+cfg.ID)
		}
		s.Servers = append(s.Servers, cfg.Clone())
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(s)
	logger.Info("server added: %s (%s)", cfg.ID, cfg.Transport.Type)
	return nil
}

// UpdateServer 替换服务器配置；已连接时按新配置重连
func (r *Registry) UpdateServer(ctx context.Context, cfg models.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "invalid server config", err)
	}
	s, err := r.update(func(s *State) error {
		for i := range s.Servers {
			if s.Servers[i].ID == cfg.ID {
				s.Servers[i] = cfg.Clone()
				return nil
			}
		}
		return serverNotFound(cfg.ID)
	})
	if err != nil {
		return err
	}
	r.persist(s)

	if s.IsConnected(cfg.ID) {
		if !cfg.Enabled {
			return r.DisconnectServer(cfg.ID)
		}
		return r.ConnectServer(ctx, cfg)
	}
	return nil
}

// RemoveServer 断开并删除服务器配置，清除其工具/资源，持久化
func (r *Registry) RemoveServer(id string) error {
	unlock := r.lockServer(id)
	defer unlock()

	hadClient := r.disconnectLocked(id)
	s, err := r.update(func(s *State) error {
		_, exists := s.Server(id)
		if !exists && !hadClient {
			return serverNotFound(id)
		}
		servers := s.Servers[:0]
		for _, cfg := range s.Servers {
			if cfg.ID != id {
				servers = append(servers, cfg)
			}
		}
		s.Servers = servers
		s.purgeOwned(id)
		delete(s.Connected, id)
		delete(s.ServerErrors, id)
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(s)
	logger.Info("server removed: %s", id)
	return nil
}

// MarketplaceSource 返回当前市场来源
func (r *Registry) MarketplaceSource() string {
	return r.current().MarketplaceSource
}

// SetMarketplaceSource 设置并持久化市场来源
func (r *Registry) SetMarketplaceSource(source string) error {
	if source == "" {
		return apperrors.New(apperrors.CodeConfiguration, "marketplace source is required")
	}
	s, err := r.update(func(s *State) error {
		s.MarketplaceSource = source
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// Close 断开全部服务器并停止 actor
func (r *Registry) Close() {
	r.DisconnectAllServers()
	r.stop.Do(func() { close(r.done) })

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
}

func serverNotFound(id string) error {
	return apperrors.WithMetadata(apperrors.CodeConfiguration, "MCP server not found: "+id,
		map[string]string{"server_id": id})
}

func notConnected(id string) error {
	return apperrors.WithMetadata(apperrors.CodeConfiguration, "MCP server not connected: "+id,
		map[string]string{"server_id": id})
}
