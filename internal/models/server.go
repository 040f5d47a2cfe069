package models

import (
	"fmt"
	"net/url"
	"strings"
)

// TransportType 传输类型
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportHTTP           TransportType = "http"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Normalize 将别名统一为规范名称（streamable-http 与 http 等价）
func (t TransportType) Normalize() TransportType {
	switch TransportType(strings.ToLower(strings.TrimSpace(string(t)))) {
	case TransportStdio:
		return TransportStdio
	case TransportSSE:
		return TransportSSE
	case TransportHTTP, TransportStreamableHTTP:
		return TransportHTTP
	default:
		return t
	}
}

// TransportConfig 传输配置（按 Type 区分的联合体）
//
// stdio 使用 Command/Args/Env；sse 与 http 使用 URL/Headers。
type TransportConfig struct {
	Type    TransportType     `json:"type" yaml:"type"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Target 返回用于错误信息的目标描述（命令或 URL）
func (t TransportConfig) Target() string {
	if t.Type.Normalize() == TransportStdio {
		if len(t.Args) == 0 {
			return t.Command
		}
		return t.Command + " " + strings.Join(t.Args, " ")
	}
	return t.URL
}

// ServerConfig 外部 MCP 服务器配置，身份由 ID 决定
type ServerConfig struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   TransportConfig `json:"transport" yaml:"transport"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	// Dynamic 表示由动态服务管理器生成，不写入服务器列表持久化文档
	Dynamic bool `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
}

// Validate 校验配置
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("server id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required (id=%q)", c.ID)
	}
	switch c.Transport.Type.Normalize() {
	case TransportStdio:
		if strings.TrimSpace(c.Transport.Command) == "" {
			return fmt.Errorf("stdio transport requires a command (id=%q)", c.ID)
		}
	case TransportSSE, TransportHTTP:
		u, err := url.Parse(c.Transport.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s transport requires an absolute http(s) url (id=%q)", c.Transport.Type, c.ID)
		}
	default:
		return fmt.Errorf("unknown transport type %q (id=%q)", c.Transport.Type, c.ID)
	}
	return nil
}

// Clone 深拷贝，保证快照之间没有共享的可变状态
func (c ServerConfig) Clone() ServerConfig {
	cloned := c
	cloned.Transport.Args = cloneStrings(c.Transport.Args)
	cloned.Transport.Env = cloneStringMap(c.Transport.Env)
	cloned.Transport.Headers = cloneStringMap(c.Transport.Headers)
	return cloned
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
