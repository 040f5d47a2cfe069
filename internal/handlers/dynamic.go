package handlers

import (
	"net/http"

	"McpHub/internal/dynamic"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
)

func (h *Handler) listDynamic(w http.ResponseWriter, r *http.Request) {
	if h.dynamic == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"available": false, "services": []models.DynamicService{}})
		return
	}
	available, version, reason := h.dynamic.Available()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available": available,
		"version":   version,
		"reason":    reason,
		"services":  h.dynamic.List(),
	})
}

func (h *Handler) requireDynamic(w http.ResponseWriter) bool {
	if h.dynamic == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "dynamic services are not configured"))
		return false
	}
	return true
}

// createDynamic 在确认通过之前阻塞；拒绝时返回 403 和服务快照
func (h *Handler) createDynamic(w http.ResponseWriter, r *http.Request) {
	if !h.requireDynamic(w) {
		return
	}
	var params dynamic.CreateParams
	if err := decodeBody(w, r, &params); err != nil {
		writeError(w, err)
		return
	}
	svc, err := h.dynamic.CreateService(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (h *Handler) saveDynamic(w http.ResponseWriter, r *http.Request) {
	if !h.requireDynamic(w) {
		return
	}
	svc, err := h.dynamic.SaveService(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *Handler) removeDynamic(w http.ResponseWriter, r *http.Request) {
	if !h.requireDynamic(w) {
		return
	}
	id := r.PathValue("id")
	if err := h.dynamic.RemoveService(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "removed": true})
}
