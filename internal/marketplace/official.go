package marketplace

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"

	"github.com/tidwall/gjson"
)

type cursorKey struct {
	query    string
	pageSize int
	page     int
}

// OfficialAdapter 官方 MCP 注册表（游标分页）
//
// 第 N 页返回的 nextCursor 以 (query, pageSize, N+1) 为键缓存；请求未见过游标的页码时退化为第 1 页。
type OfficialAdapter struct {
	baseURL string
	fetcher *Fetcher

	mu      sync.Mutex
	cursors map[cursorKey]string
}

// NewOfficialAdapter 创建官方注册表适配器
func NewOfficialAdapter(baseURL string, fetcher *Fetcher) *OfficialAdapter {
	return &OfficialAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
		cursors: make(map[cursorKey]string),
	}
}

// Name 来源名称
func (a *OfficialAdapter) Name() string { return SourceOfficial }

func (a *OfficialAdapter) cursorFor(key cursorKey) (string, int) {
	if key.page <= 1 {
		return "", 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cursor, ok := a.cursors[key]; ok {
		return cursor, key.page
	}
	return "", 1
}

func (a *OfficialAdapter) remember(key cursorKey, cursor string) {
	if cursor == "" {
		return
	}
	a.mu.Lock()
	a.cursors[key] = cursor
	a.mu.Unlock()
}

// Search 搜索官方注册表
func (a *OfficialAdapter) Search(ctx context.Context, params models.SearchParams) (*models.SearchResult, error) {
	key := cursorKey{query: params.Query, pageSize: params.PageSize, page: params.Page}
	cursor, page := a.cursorFor(key)

	q := url.Values{}
	if params.Query != "" {
		q.Set("search", params.Query)
	}
	q.Set("limit", strconv.Itoa(params.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := a.fetcher.GetJSON(ctx, a.baseURL+"/v0/servers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.New(apperrors.CodeProtocol, "official registry returned malformed JSON")
	}

	doc := gjson.ParseBytes(body)
	nextCursor := firstString(doc, "metadata.nextCursor", "metadata.next_cursor")
	key.page = page + 1
	a.remember(key, nextCursor)

	var servers []models.MarketplaceServer
	doc.Get("servers").ForEach(func(_, item gjson.Result) bool {
		if server, ok := parseOfficialEntry(item); ok {
			servers = append(servers, server)
		}
		return true
	})

	return &models.SearchResult{
		Servers:    servers,
		TotalCount: (page-1)*params.PageSize + len(servers),
		HasMore:    nextCursor != "",
	}, nil
}

// parseOfficialEntry 同时兼容 {server:{...}, _meta} 包装和扁平条目
func parseOfficialEntry(item gjson.Result) (models.MarketplaceServer, bool) {
	server := item
	if inner := item.Get("server"); inner.IsObject() {
		server = inner
	}
	name := server.Get("name").String()
	if name == "" {
		return models.MarketplaceServer{}, false
	}

	display := firstString(server, "title")
	if display == "" {
		display = lastSegment(name)
	}
	meta := item.Get(`_meta.io\.modelcontextprotocol\.registry/official`)
	if !meta.Exists() {
		meta = server.Get(`_meta.io\.modelcontextprotocol\.registry/official`)
	}

	entry := models.MarketplaceServer{
		ID:          name,
		Name:        display,
		Description: server.Get("description").String(),
		Author:      authorFromName(name),
		Icon:        firstString(server, "icons.0.src", "icon"),
		Verified:    meta.Get("status").String() == "active",
		Install:     inferOfficialInstall(server),
	}
	return entry, true
}

func firstString(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// authorFromName 从反向域名风格的名称中取作者，例如 io.github.octo/server 得到 octo
func authorFromName(name string) string {
	i := strings.Index(name, "/")
	if i <= 0 {
		return ""
	}
	namespace := name[:i]
	if j := strings.LastIndex(namespace, "."); j >= 0 {
		return namespace[j+1:]
	}
	return namespace
}
