// Package marketplace 把多个外部 MCP 服务器目录统一到一个分页搜索接口下。
package marketplace

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"McpHub/internal/config"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"
	"McpHub/internal/models"
)

const (
	SourceOfficial = "official"
	SourceSmithery = "smithery"
	SourceBuiltin  = "builtin"
)

const maxPageSize = 100

// Adapter 单个目录来源
type Adapter interface {
	Name() string
	Search(ctx context.Context, params models.SearchParams) (*models.SearchResult, error)
}

// Aggregator 按来源名称分发搜索请求
type Aggregator struct {
	adapters        map[string]Adapter
	defaultPageSize int
}

// NewAggregator 使用给定的适配器创建聚合器
func NewAggregator(defaultPageSize int, adapters ...Adapter) *Aggregator {
	if defaultPageSize <= 0 {
		defaultPageSize = 20
	}
	a := &Aggregator{
		adapters:        make(map[string]Adapter, len(adapters)),
		defaultPageSize: defaultPageSize,
	}
	for _, adapter := range adapters {
		a.adapters[adapter.Name()] = adapter
	}
	return a
}

// NewDefault 按配置构造 official、smithery、builtin 三个来源，共享一个限速的 HTTP 抓取器
func NewDefault(cfg config.MarketplaceConfig) *Aggregator {
	fetcher := NewFetcher(&http.Client{Timeout: cfg.RequestTimeout}, cfg.RatePerSecond)
	return NewAggregator(cfg.PageSize,
		NewOfficialAdapter(cfg.OfficialBaseURL, fetcher),
		NewSmitheryAdapter(cfg.SmitheryBaseURL, cfg.SmitheryAPIKey, fetcher),
		NewBuiltinAdapter(),
	)
}

// Sources 返回已注册的来源名称
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.adapters))
	for name := range a.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search 在指定来源中搜索；未知来源返回配置错误
func (a *Aggregator) Search(ctx context.Context, source string, params models.SearchParams) (*models.SearchResult, error) {
	adapter, ok := a.adapters[source]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeConfiguration, "Unknown marketplace source: "+source,
			map[string]string{"source": source})
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = a.defaultPageSize
	}
	if params.PageSize > maxPageSize {
		params.PageSize = maxPageSize
	}

	start := time.Now()
	result, err := adapter.Search(ctx, params)
	if err != nil {
		logger.WarnWithFields("marketplace search failed", map[string]interface{}{
			"source": source,
			"query":  params.Query,
			"page":   params.Page,
			"error":  err.Error(),
		})
		return nil, err
	}
	if result.Servers == nil {
		result.Servers = []models.MarketplaceServer{}
	}
	for i := range result.Servers {
		result.Servers[i].Source = source
	}
	logger.Debug("marketplace search %s q=%q page=%d: %d results in %s",
		source, params.Query, params.Page, len(result.Servers), time.Since(start))
	return result, nil
}
