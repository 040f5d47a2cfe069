package manager

import (
	"context"
	"sync"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

func (r *Registry) lockServer(id string) func() {
	value, _ := r.serverLocks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) client(id string) (ClientInterface, bool) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.ConnectTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.ConnectTimeout)
	}
	return context.WithCancel(ctx)
}

// ConnectServer 连接服务器并合并其工具/资源
//
// 已连接时先完整断开旧会话，同一 ID 永远不会同时存在两个客户端。
// 发现阶段 tools/list 与 resources/list 并发执行，任一失败都只退化为空列表。
func (r *Registry) ConnectServer(ctx context.Context, cfg models.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "invalid server config", err)
	}
	if r.opts.Factory == nil {
		return apperrors.New(apperrors.CodeConfiguration, "registry has no client factory")
	}

	unlock := r.lockServer(cfg.ID)
	defer unlock()

	if r.disconnectLocked(cfg.ID) {
		logger.Info("reconnecting server %s", cfg.ID)
	}

	ctx, cancel := r.connectContext(ctx)
	defer cancel()

	c, err := r.opts.Factory(cfg)
	if err == nil {
		err = c.Connect(ctx)
	}
	if err != nil {
		r.recordError(cfg.ID, err)
		logger.ErrorWithFields("failed to connect server", map[string]interface{}{
			"server_id": cfg.ID,
			"transport": string(cfg.Transport.Type),
			"error":     err.Error(),
		})
		return err
	}

	r.clientsMu.Lock()
	r.clients[cfg.ID] = c
	r.clientsMu.Unlock()

	tools, resources := r.discover(ctx, cfg.ID, c)

	_, err = r.update(func(s *State) error {
		s.Connected[cfg.ID] = true
		delete(s.ServerErrors, cfg.ID)
		s.replaceOwned(cfg.ID, tools, resources)
		return nil
	})
	if err != nil {
		r.clientsMu.Lock()
		delete(r.clients, cfg.ID)
		r.clientsMu.Unlock()
		_ = c.Close()
		return err
	}

	logger.InfoWithFields("server connected", map[string]interface{}{
		"server_id": cfg.ID,
		"tools":     len(tools),
		"resources": len(resources),
	})
	return nil
}

// discover 并发获取工具和资源，单个调用失败不影响另一个
func (r *Registry) discover(ctx context.Context, serverID string, c ClientInterface) ([]models.Tool, []models.Resource) {
	var (
		wg        sync.WaitGroup
		tools     []models.Tool
		resources []models.Resource
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		list, err := c.ListTools(ctx)
		if err != nil {
			logDiscoveryFailure(serverID, "tools/list", err)
			return
		}
		tools = list
	}()
	go func() {
		defer wg.Done()
		list, err := c.ListResources(ctx)
		if err != nil {
			logDiscoveryFailure(serverID, "resources/list", err)
			return
		}
		resources = list
	}()
	wg.Wait()

	for i := range tools {
		tools[i].ServerID = serverID
	}
	for i := range resources {
		resources[i].ServerID = serverID
	}
	return tools, resources
}

func logDiscoveryFailure(serverID, method string, err error) {
	wrapped := apperrors.WrapWithMetadata(apperrors.CodeDiscovery, method+" failed",
		map[string]string{"server_id": serverID}, err)
	logger.WarnWithFields("discovery degraded to empty list", map[string]interface{}{
		"server_id": serverID,
		"code":      string(wrapped.Code),
		"error":     wrapped.Error(),
	})
}

func (r *Registry) recordError(id string, cause error) {
	_, _ = r.update(func(s *State) error {
		s.ServerErrors[id] = cause.Error()
		return nil
	})
}

// disconnectLocked 关闭客户端并清除连接状态和工具/资源；调用方持有该 ID 的锁
func (r *Registry) disconnectLocked(id string) bool {
	r.clientsMu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.clientsMu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			logger.Warn("error closing client %s: %v", id, err)
		}
	}

	snap := r.current()
	if !ok && !snap.IsConnected(id) && len(snap.ToolsFor(id)) == 0 {
		return false
	}
	_, _ = r.update(func(s *State) error {
		delete(s.Connected, id)
		s.purgeOwned(id)
		return nil
	})
	return ok
}

// DisconnectServer 断开服务器，清除其连接状态和工具/资源，配置保留
func (r *Registry) DisconnectServer(id string) error {
	unlock := r.lockServer(id)
	defer unlock()
	if r.disconnectLocked(id) {
		logger.Info("server disconnected: %s", id)
	}
	return nil
}

// ConnectAllServers 并发连接所有启用的服务器；单个失败只记录在该服务器的状态中
func (r *Registry) ConnectAllServers(ctx context.Context) {
	snap := r.current()
	var wg sync.WaitGroup
	for _, cfg := range snap.Servers {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(cfg models.ServerConfig) {
			defer wg.Done()
			if err := r.ConnectServer(ctx, cfg); err != nil {
				logger.Warn("connect %s failed: %v", cfg.ID, err)
			}
		}(cfg)
	}
	wg.Wait()
}

// DisconnectAllServers 并发断开所有已连接的服务器
func (r *Registry) DisconnectAllServers() {
	r.clientsMu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.clientsMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.DisconnectServer(id)
		}(id)
	}
	wg.Wait()
}
