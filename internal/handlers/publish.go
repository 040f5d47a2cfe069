package handlers

import (
	"net/http"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
)

func (h *Handler) publishDocument(w http.ResponseWriter, r *http.Request) {
	var req models.PublishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.registry.PublishDocument(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listPublishTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.registry.DiscoverPublishTargets()
	if targets == nil {
		targets = []models.PublishTarget{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
}

func (h *Handler) addPublishTarget(w http.ResponseWriter, r *http.Request) {
	var target models.PublishTarget
	if err := decodeBody(w, r, &target); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AddPublishTarget(target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (h *Handler) removePublishTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.RemovePublishTarget(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "removed": true})
}

func (h *Handler) addSyncConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.SyncConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AddSyncConfig(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) removeSyncConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.RemoveSyncConfig(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "removed": true})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := h.registry.SyncStatus(id)
	if !ok {
		current := h.registry.Snapshot()
		if _, exists := current.SyncConfig(id); !exists {
			writeError(w, apperrors.New(apperrors.CodeConfiguration, "Sync config not found: "+id))
			return
		}
		status = models.SyncStatus{ConfigID: id, State: models.SyncIdle}
	}
	writeJSON(w, http.StatusOK, status)
}

// runSync 请求体为空或不含文件时，从同步任务的 localPath 收集文件
func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Files []models.SyncFile `json:"files"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	files := body.Files
	if len(files) == 0 {
		current := h.registry.Snapshot()
		cfg, ok := current.SyncConfig(id)
		if !ok {
			writeError(w, apperrors.New(apperrors.CodeConfiguration, "Sync config not found: "+id))
			return
		}
		collected, err := h.collect(r.Context(), cfg)
		if err != nil {
			writeError(w, err)
			return
		}
		files = collected
	}

	status, err := h.registry.SyncToKnowledgeBase(r.Context(), id, files)
	if err != nil {
		// 同步失败时仍带上最终状态，便于调用方展示
		if status.ConfigID != "" {
			writeJSON(w, statusFor(err), map[string]interface{}{
				"error":  err.Error(),
				"code":   string(apperrors.CodeOf(err)),
				"status": status,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
