package marketplace

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"

	"github.com/tidwall/gjson"
)

// SmitheryAdapter Smithery 注册表（页码分页）
type SmitheryAdapter struct {
	baseURL string
	apiKey  string
	fetcher *Fetcher
}

// NewSmitheryAdapter apiKey 可为空
func NewSmitheryAdapter(baseURL, apiKey string, fetcher *Fetcher) *SmitheryAdapter {
	return &SmitheryAdapter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, fetcher: fetcher}
}

// Name 来源名称
func (a *SmitheryAdapter) Name() string { return SourceSmithery }

// Search 搜索 Smithery
func (a *SmitheryAdapter) Search(ctx context.Context, params models.SearchParams) (*models.SearchResult, error) {
	q := url.Values{}
	if params.Query != "" {
		q.Set("q", params.Query)
	}
	q.Set("page", strconv.Itoa(params.Page))
	q.Set("pageSize", strconv.Itoa(params.PageSize))

	var headers map[string]string
	if a.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + a.apiKey}
	}
	body, err := a.fetcher.GetJSON(ctx, a.baseURL+"/servers?"+q.Encode(), headers)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.New(apperrors.CodeProtocol, "smithery returned malformed JSON")
	}
	doc := gjson.ParseBytes(body)

	var servers []models.MarketplaceServer
	doc.Get("servers").ForEach(func(_, item gjson.Result) bool {
		name := item.Get("qualifiedName").String()
		if name == "" {
			return true
		}
		display := item.Get("displayName").String()
		if display == "" {
			display = name
		}
		servers = append(servers, models.MarketplaceServer{
			ID:          name,
			Name:        display,
			Description: item.Get("description").String(),
			Author:      smitheryAuthor(name),
			Icon:        item.Get("iconUrl").String(),
			Popularity:  int(item.Get("useCount").Int()),
			Verified:    item.Get("verified").Bool(),
			Install:     smitheryInstall(name, item.Get("remote").Bool()),
		})
		return true
	})

	total := int(doc.Get("pagination.totalCount").Int())
	totalPages := int(doc.Get("pagination.totalPages").Int())
	hasMore := params.Page < totalPages
	if !doc.Get("pagination").Exists() {
		total = (params.Page-1)*params.PageSize + len(servers)
		hasMore = len(servers) == params.PageSize
	}
	return &models.SearchResult{Servers: servers, TotalCount: total, HasMore: hasMore}, nil
}

// smitheryInstall 远程服务器使用托管的 HTTP 地址，其余通过 Smithery CLI 以 stdio 运行
func smitheryInstall(qualifiedName string, remote bool) *models.InstallSpec {
	if remote {
		return &models.InstallSpec{
			Transport: models.TransportHTTP,
			URL:       "https://server.smithery.ai/" + qualifiedName + "/mcp",
		}
	}
	return &models.InstallSpec{
		Transport: models.TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@smithery/cli@latest", "run", qualifiedName},
	}
}

func smitheryAuthor(name string) string {
	name = strings.TrimPrefix(name, "@")
	if i := strings.Index(name, "/"); i > 0 {
		return name[:i]
	}
	return ""
}
