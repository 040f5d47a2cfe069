package marketplace

import (
	"context"
	"strings"

	"McpHub/internal/models"
)

func npx(pkg string, extra ...string) *models.InstallSpec {
	return &models.InstallSpec{
		Transport: models.TransportStdio,
		Command:   "npx",
		Args:      append([]string{"-y", pkg}, extra...),
	}
}

func uvx(pkg string, extra ...string) *models.InstallSpec {
	return &models.InstallSpec{
		Transport: models.TransportStdio,
		Command:   "uvx",
		Args:      append([]string{pkg}, extra...),
	}
}

func withEnv(spec *models.InstallSpec, vars ...models.EnvVarSpec) *models.InstallSpec {
	spec.Env = vars
	return spec
}

// 内置预设
var presets = []models.MarketplaceServer{
	{
		ID: "filesystem", Name: "Filesystem", Author: "modelcontextprotocol", Verified: true,
		Description: "Secure file operations with configurable access controls",
		Install:     npx("@modelcontextprotocol/server-filesystem", "."),
	},
	{
		ID: "fetch", Name: "Fetch", Author: "modelcontextprotocol", Verified: true,
		Description: "Web content fetching and conversion for efficient LLM usage",
		Install:     uvx("mcp-server-fetch"),
	},
	{
		ID: "memory", Name: "Memory", Author: "modelcontextprotocol", Verified: true,
		Description: "Knowledge graph-based persistent memory system",
		Install:     npx("@modelcontextprotocol/server-memory"),
	},
	{
		ID: "git", Name: "Git", Author: "modelcontextprotocol", Verified: true,
		Description: "Tools to read, search, and manipulate Git repositories",
		Install:     uvx("mcp-server-git"),
	},
	{
		ID: "github", Name: "GitHub", Author: "modelcontextprotocol", Verified: true,
		Description: "Repository management, file operations, and GitHub API integration",
		Install: withEnv(npx("@modelcontextprotocol/server-github"), models.EnvVarSpec{
			Name: "GITHUB_PERSONAL_ACCESS_TOKEN", Description: "GitHub personal access token", Required: true, Secret: true,
		}),
	},
	{
		ID: "brave-search", Name: "Brave Search", Author: "modelcontextprotocol", Verified: true,
		Description: "Web and local search using Brave's Search API",
		Install: withEnv(npx("@modelcontextprotocol/server-brave-search"), models.EnvVarSpec{
			Name: "BRAVE_API_KEY", Description: "Brave Search API key", Required: true, Secret: true,
		}),
	},
	{
		ID: "sqlite", Name: "SQLite", Author: "modelcontextprotocol", Verified: true,
		Description: "Database interaction and business intelligence capabilities",
		Install:     uvx("mcp-server-sqlite", "--db-path", "./data.db"),
	},
	{
		ID: "puppeteer", Name: "Puppeteer", Author: "modelcontextprotocol", Verified: true,
		Description: "Browser automation and web scraping",
		Install:     npx("@modelcontextprotocol/server-puppeteer"),
	},
	{
		ID: "sequential-thinking", Name: "Sequential Thinking", Author: "modelcontextprotocol", Verified: true,
		Description: "Dynamic and reflective problem-solving through thought sequences",
		Install:     npx("@modelcontextprotocol/server-sequential-thinking"),
	},
	{
		ID: "time", Name: "Time", Author: "modelcontextprotocol", Verified: true,
		Description: "Time and timezone conversion capabilities",
		Install:     uvx("mcp-server-time"),
	},
}

// BuiltinAdapter 内置预设，本地过滤和分页
type BuiltinAdapter struct {
	servers []models.MarketplaceServer
}

// NewBuiltinAdapter 使用内置预设
func NewBuiltinAdapter() *BuiltinAdapter {
	return &BuiltinAdapter{servers: presets}
}

// Name 来源名称
func (a *BuiltinAdapter) Name() string { return SourceBuiltin }

// Search 按名称和描述做不区分大小写的子串匹配
func (a *BuiltinAdapter) Search(ctx context.Context, params models.SearchParams) (*models.SearchResult, error) {
	query := strings.ToLower(params.Query)
	var matched []models.MarketplaceServer
	for _, s := range a.servers {
		if query == "" ||
			strings.Contains(strings.ToLower(s.Name), query) ||
			strings.Contains(strings.ToLower(s.Description), query) {
			matched = append(matched, s)
		}
	}

	start := (params.Page - 1) * params.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]models.MarketplaceServer, end-start)
	copy(page, matched[start:end])
	return &models.SearchResult{
		Servers:    page,
		TotalCount: len(matched),
		HasMore:    end < len(matched),
	}, nil
}
