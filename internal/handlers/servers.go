package handlers

import (
	"net/http"
	"strings"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/marketplace"
	"McpHub/internal/models"
)

func (h *Handler) addServer(w http.ResponseWriter, r *http.Request) {
	var cfg models.ServerConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AddServer(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"server": cfg})
}

// updateServer 路径中的 id 为准；请求体携带不同的 id 时拒绝
func (h *Handler) updateServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var cfg models.ServerConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if cfg.ID != "" && cfg.ID != id {
		writeError(w, apperrors.WithMetadata(apperrors.CodeConfiguration, "server id in body does not match path",
			map[string]string{"server_id": id}))
		return
	}
	cfg.ID = id
	if err := h.registry.UpdateServer(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	snap := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":    cfg,
		"connected": snap.IsConnected(id),
	})
}

func (h *Handler) removeServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.RemoveServer(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "removed": true})
}

type installBody struct {
	Server models.MarketplaceServer `json:"server"`
	Env    map[string]string        `json:"env,omitempty"`
}

// installFromMarketplace 合成配置、添加并尝试连接；连接失败时配置保留，错误放在响应的 error 字段
func (h *Handler) installFromMarketplace(w http.ResponseWriter, r *http.Request) {
	var body installBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := marketplace.Install(body.Server, body.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AddServer(cfg); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"server": cfg, "connected": false}
	if err := h.registry.ConnectServer(r.Context(), cfg); err != nil {
		logger.Warn("installed server %s failed to connect: %v", cfg.ID, err)
		resp["error"] = err.Error()
	} else {
		resp["connected"] = true
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) setMarketplaceSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	source := strings.TrimSpace(body.Source)
	if h.marketplace != nil && source != "" && !contains(h.marketplace.Sources(), source) {
		writeError(w, apperrors.WithMetadata(apperrors.CodeConfiguration, "Unknown marketplace source: "+source,
			map[string]string{"source": source}))
		return
	}
	if err := h.registry.SetMarketplaceSource(source); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": source})
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
