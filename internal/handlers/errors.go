package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
)

type errorBody struct {
	Error    string            `json:"error"`
	Code     apperrors.Code    `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 领域错误码映射为 HTTP 状态码
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeConfiguration:
		if strings.Contains(err.Error(), "not found") {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case apperrors.CodeSecurityDeclined:
		return http.StatusForbidden
	case apperrors.CodeTransport, apperrors.CodeProtocol, apperrors.CodeDiscovery:
		return http.StatusBadGateway
	case apperrors.CodeToolInvocation:
		return http.StatusUnprocessableEntity
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Code: apperrors.CodeOf(err)}
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		body.Metadata = appErr.Metadata
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorWithFields("api request failed", map[string]interface{}{
			"status": status,
			"code":   string(body.Code),
			"error":  body.Error,
		})
	}
	writeJSON(w, status, body)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.New(apperrors.CodeConfiguration, "invalid integer parameter: "+raw)
	}
	return n, nil
}
