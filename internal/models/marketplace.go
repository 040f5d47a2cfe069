package models

// EnvVarSpec 安装所需的环境变量
type EnvVarSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret,omitempty"`
}

// InstallSpec 从市场条目推断出的安装描述，足以合成 ServerConfig
type InstallSpec struct {
	Transport TransportType     `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       []EnvVarSpec      `json:"env,omitempty"`
}

// MarketplaceServer 归一化后的市场条目
type MarketplaceServer struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Author      string       `json:"author,omitempty"`
	Icon        string       `json:"icon,omitempty"`
	Popularity  int          `json:"popularity,omitempty"`
	Stars       int          `json:"stars,omitempty"`
	Verified    bool         `json:"verified,omitempty"`
	Install     *InstallSpec `json:"install,omitempty"`
	Source      string       `json:"source"`
}

// SearchParams 统一的搜索参数，Page 从 1 开始
type SearchParams struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// SearchResult 统一的搜索结果
type SearchResult struct {
	Servers    []MarketplaceServer `json:"servers"`
	TotalCount int                 `json:"totalCount"`
	HasMore    bool                `json:"hasMore"`
}
