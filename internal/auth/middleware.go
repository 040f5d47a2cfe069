package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"McpHub/internal/config"
	"McpHub/internal/logger"
)

// AuthMiddleware 本地 API 认证中间件
type AuthMiddleware struct {
	config *config.AuthConfig
}

// NewAuthMiddleware 创建新的认证中间件
func NewAuthMiddleware(authConfig *config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		config: authConfig,
	}
}

// ValidateAPIKey 验证API密钥
func (am *AuthMiddleware) ValidateAPIKey(apiKey string) bool {
	if !am.config.Enabled {
		return true // 认证未启用，直接通过
	}

	if apiKey == "" {
		return false
	}

	// 逐个比较，避免按前缀泄露时间差
	for _, validKey := range am.config.APIKeys {
		if validKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return true
		}
	}

	return false
}

// Middleware 包装处理器；认证失败返回 401
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 如果认证未启用，直接通过
		if !am.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !am.ValidateAPIKey(am.ExtractAPIKey(r)) {
			logger.WarnWithFields("authentication failed", map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized: Invalid API Key","code":"UNAUTHORIZED"}` + "\n"))
			return
		}

		logger.Debug("authenticated request %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey 从请求中提取API密钥
func (am *AuthMiddleware) ExtractAPIKey(r *http.Request) string {
	// 优先从指定头获取
	apiKey := r.Header.Get(am.GetHeaderName())
	if apiKey != "" {
		return apiKey
	}

	// 尝试从Authorization头获取Bearer token
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	// 尝试从查询参数获取
	return r.URL.Query().Get("api_key")
}

// IsEnabled 检查认证是否启用
func (am *AuthMiddleware) IsEnabled() bool {
	return am.config.Enabled
}

// GetHeaderName 获取API密钥头名称
func (am *AuthMiddleware) GetHeaderName() string {
	if am.config.HeaderName == "" {
		return "X-API-Key"
	}
	return am.config.HeaderName
}
