package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "McpHub/internal/errors"

	"golang.org/x/time/rate"
)

// 目录响应体上限
const maxBodySize = 8 << 20

// Fetcher 限速的 JSON GET 客户端，所有来源共享
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher perSecond <= 0 时不限速
func NewFetcher(client *http.Client, perSecond float64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Fetcher{client: client, limiter: rate.NewLimiter(limit, burst)}
}

// GetJSON 发送 GET 请求并返回响应体；非 2xx 视为传输错误
func (f *Fetcher) GetJSON(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "marketplace request cancelled", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "invalid marketplace url "+url, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeTransport, "marketplace request failed",
			map[string]string{"url": url}, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransport, "failed to read marketplace response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.WithMetadata(apperrors.CodeTransport,
			fmt.Sprintf("marketplace returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(snippet(body))),
			map[string]string{"url": url})
	}
	return body, nil
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
