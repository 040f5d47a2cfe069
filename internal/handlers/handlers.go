// Package handlers 提供本地 HTTP API，供对话编排等协作方查询服务器、调用工具和搜索市场。
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"McpHub/internal/dynamic"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/manager"
	"McpHub/internal/models"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 4 << 20

// Registry API 使用的连接注册表操作
type Registry interface {
	Snapshot() manager.State
	AddServer(cfg models.ServerConfig) error
	UpdateServer(ctx context.Context, cfg models.ServerConfig) error
	RemoveServer(id string) error
	ConnectServer(ctx context.Context, cfg models.ServerConfig) error
	DisconnectServer(id string) error
	CallTool(ctx context.Context, name string, args map[string]any) (*models.ToolCallResult, error)
	CallServerTool(ctx context.Context, serverID, name string, args map[string]any) (*models.ToolCallResult, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	MarketplaceSource() string
	SetMarketplaceSource(source string) error

	AddPublishTarget(target models.PublishTarget) error
	RemovePublishTarget(id string) error
	DiscoverPublishTargets() []models.PublishTarget
	PublishDocument(ctx context.Context, req models.PublishRequest) (*models.PublishResult, error)

	AddSyncConfig(cfg models.SyncConfig) error
	RemoveSyncConfig(id string) error
	SyncStatus(id string) (models.SyncStatus, bool)
	SyncToKnowledgeBase(ctx context.Context, configID string, files []models.SyncFile) (models.SyncStatus, error)
}

// Marketplace 市场搜索
type Marketplace interface {
	Search(ctx context.Context, source string, params models.SearchParams) (*models.SearchResult, error)
	Sources() []string
}

// DynamicServices 动态服务管理
type DynamicServices interface {
	List() []models.DynamicService
	Available() (bool, string, string)
	CreateService(ctx context.Context, params dynamic.CreateParams) (models.DynamicService, error)
	SaveService(ctx context.Context, id string) (models.DynamicService, error)
	RemoveService(id string) error
}

// Handler 本地 API 处理器
type Handler struct {
	registry    Registry
	marketplace Marketplace
	dynamic     DynamicServices
	// collect 在同步请求未携带文件时收集本地文件
	collect manager.FileCollector
}

// NewHandler 创建处理器；marketplace 和 services 可以为 nil
func NewHandler(registry Registry, marketplace Marketplace, services DynamicServices) *Handler {
	return &Handler{
		registry:    registry,
		marketplace: marketplace,
		dynamic:     services,
		collect:     manager.LocalFileCollector,
	}
}

// Routes 注册全部路由；/health 不经过 protect
func (h *Handler) Routes(protect func(http.Handler) http.Handler) http.Handler {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	api := http.NewServeMux()
	api.HandleFunc("GET /api/servers", h.listServers)
	api.HandleFunc("POST /api/servers", h.addServer)
	api.HandleFunc("PUT /api/servers/{id}", h.updateServer)
	api.HandleFunc("DELETE /api/servers/{id}", h.removeServer)
	api.HandleFunc("POST /api/servers/{id}/connect", h.connectServer)
	api.HandleFunc("POST /api/servers/{id}/disconnect", h.disconnectServer)
	api.HandleFunc("GET /api/tools", h.listTools)
	api.HandleFunc("POST /api/tools/call", h.callTool)
	api.HandleFunc("GET /api/resources/read", h.readResource)

	api.HandleFunc("GET /api/marketplace/search", h.searchMarketplace)
	api.HandleFunc("POST /api/marketplace/install", h.installFromMarketplace)
	api.HandleFunc("PUT /api/marketplace/source", h.setMarketplaceSource)

	api.HandleFunc("GET /api/dynamic", h.listDynamic)
	api.HandleFunc("POST /api/dynamic", h.createDynamic)
	api.HandleFunc("POST /api/dynamic/{id}/save", h.saveDynamic)
	api.HandleFunc("DELETE /api/dynamic/{id}", h.removeDynamic)

	api.HandleFunc("POST /api/publish", h.publishDocument)
	api.HandleFunc("GET /api/publish/targets", h.listPublishTargets)
	api.HandleFunc("POST /api/publish/targets", h.addPublishTarget)
	api.HandleFunc("DELETE /api/publish/targets/{id}", h.removePublishTarget)

	api.HandleFunc("POST /api/sync", h.addSyncConfig)
	api.HandleFunc("GET /api/sync/{id}", h.syncStatus)
	api.HandleFunc("POST /api/sync/{id}", h.runSync)
	api.HandleFunc("DELETE /api/sync/{id}", h.removeSyncConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/api/", protect(api))
	return mux
}

type serverView struct {
	models.ServerConfig
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	ToolCount int    `json:"toolCount"`
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	views := make([]serverView, 0, len(snap.Servers))
	for _, cfg := range snap.Servers {
		views = append(views, serverView{
			ServerConfig: cfg,
			Connected:    snap.IsConnected(cfg.ID),
			Error:        snap.ServerErrors[cfg.ID],
			ToolCount:    len(snap.ToolsFor(cfg.ID)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": snap.Version,
		"servers": views,
	})
}

func (h *Handler) connectServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current := h.registry.Snapshot()
	cfg, ok := current.Server(id)
	if !ok {
		writeError(w, apperrors.WithMetadata(apperrors.CodeConfiguration, "MCP server not found: "+id,
			map[string]string{"server_id": id}))
		return
	}
	if err := h.registry.ConnectServer(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	snap := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"connected": snap.IsConnected(id),
		"tools":     snap.ToolsFor(id),
	})
}

func (h *Handler) disconnectServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current := h.registry.Snapshot()
	if _, ok := current.Server(id); !ok {
		writeError(w, apperrors.WithMetadata(apperrors.CodeConfiguration, "MCP server not found: "+id,
			map[string]string{"server_id": id}))
		return
	}
	if err := h.registry.DisconnectServer(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "connected": false})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	tools := snap.Tools
	if serverID := r.URL.Query().Get("serverId"); serverID != "" {
		tools = snap.ToolsFor(serverID)
	}
	if tools == nil {
		tools = []models.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

type callToolBody struct {
	Name      string         `json:"name"`
	ServerID  string         `json:"serverId,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) callTool(w http.ResponseWriter, r *http.Request) {
	var body callToolBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, apperrors.New(apperrors.CodeConfiguration, "tool name is required"))
		return
	}
	if body.Arguments == nil {
		body.Arguments = map[string]any{}
	}

	var (
		result *models.ToolCallResult
		err    error
	)
	if body.ServerID != "" {
		result, err = h.registry.CallServerTool(r.Context(), body.ServerID, body.Name, body.Arguments)
	} else {
		result, err = h.registry.CallTool(r.Context(), body.Name, body.Arguments)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	// isError 结果属于工具的正常回复，原样返回
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) readResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, apperrors.New(apperrors.CodeConfiguration, "uri is required"))
		return
	}
	text, err := h.registry.ReadResource(r.Context(), uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri, "text": text})
}

func (h *Handler) searchMarketplace(w http.ResponseWriter, r *http.Request) {
	if h.marketplace == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "marketplace is not configured"))
		return
	}
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		source = h.registry.MarketplaceSource()
	}
	page, err := intParam(q.Get("page"))
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := intParam(q.Get("pageSize"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.marketplace.Search(r.Context(), source, models.SearchParams{
		Query:    q.Get("q"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":     source,
		"servers":    result.Servers,
		"totalCount": result.TotalCount,
		"hasMore":    result.HasMore,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response: %v", err)
	}
}
