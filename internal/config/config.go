package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Auth        AuthConfig        `yaml:"auth" envPrefix:"AUTH_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Remote      RemoteConfig      `yaml:"remote" envPrefix:"REMOTE_"`
	Dynamic     DynamicConfig     `yaml:"dynamic" envPrefix:"DYNAMIC_"`
	Marketplace MarketplaceConfig `yaml:"marketplace" envPrefix:"MARKETPLACE_"`
}

// ServerConfig 本地 HTTP API 配置
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
}

// AuthConfig 本地 API 认证配置
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" env:"ENABLED"`
	HeaderName string   `yaml:"header_name" env:"HEADER_NAME"`
	APIKeys    []string `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	File   string `yaml:"file" env:"FILE"`
}

// StorageConfig 持久化配置
//
// Driver 取值：file（默认，JSON 文件）、sqlite、postgres。
type StorageConfig struct {
	Driver  string `yaml:"driver" env:"DRIVER"`
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	DSN     string `yaml:"dsn" env:"DSN"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RemoteConfig 远程服务调用配置
type RemoteConfig struct {
	// ConnectTimeout 覆盖连接、握手和发现阶段
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// RequestTimeout 单次工具调用/资源读取的超时，0 表示不限制
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// SSEEndpointWait 等待 SSE endpoint 事件的时间，超时后使用推导出的地址
	SSEEndpointWait time.Duration `yaml:"sse_endpoint_wait" env:"SSE_ENDPOINT_WAIT"`
	ClientName      string        `yaml:"client_name" env:"CLIENT_NAME"`
	ClientVersion   string        `yaml:"client_version" env:"CLIENT_VERSION"`
}

// DynamicConfig 动态服务配置
type DynamicConfig struct {
	BaseDir     string `yaml:"base_dir" env:"BASE_DIR"`
	Interpreter string `yaml:"interpreter" env:"INTERPRETER"`
	MinVersion  string `yaml:"min_version" env:"MIN_VERSION"`
	AutoApprove bool   `yaml:"auto_approve" env:"AUTO_APPROVE"`
}

// MarketplaceConfig 市场聚合配置
type MarketplaceConfig struct {
	DefaultSource   string        `yaml:"default_source" env:"DEFAULT_SOURCE"`
	OfficialBaseURL string        `yaml:"official_base_url" env:"OFFICIAL_BASE_URL"`
	SmitheryBaseURL string        `yaml:"smithery_base_url" env:"SMITHERY_BASE_URL"`
	SmitheryAPIKey  string        `yaml:"smithery_api_key" env:"SMITHERY_API_KEY"`
	PageSize        int           `yaml:"page_size" env:"PAGE_SIZE"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// GetServerAddr 获取服务器监听地址
func (s *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadConfig 加载配置文件
//
// 配置文件不存在时使用默认值；随后环境变量（MCPHUB_ 前缀）覆盖文件中的值。
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		case os.IsNotExist(err):
			// 没有配置文件时完全依赖默认值和环境变量
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	if err := LoadConfigFromEnv(&config); err != nil {
		return nil, err
	}

	setDefaults(&config)

	return &config, nil
}

// LoadConfigFromEnv 从环境变量加载配置（优先级高于配置文件）
func LoadConfigFromEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: "MCPHUB_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	// 服务器默认值
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 9011
	}

	if config.Auth.HeaderName == "" {
		config.Auth.HeaderName = "X-API-Key"
	}

	// 日志默认值
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	// 存储默认值
	if config.Storage.Driver == "" {
		config.Storage.Driver = "file"
	}
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = defaultDataDir()
	}
	if config.Storage.MaxOpenConns == 0 {
		config.Storage.MaxOpenConns = 4
	}
	if config.Storage.MaxIdleConns == 0 {
		config.Storage.MaxIdleConns = 2
	}
	if config.Storage.ConnMaxLifetime == 0 {
		config.Storage.ConnMaxLifetime = 5 * time.Minute
	}

	// 远程服务默认值
	if config.Remote.ConnectTimeout == 0 {
		config.Remote.ConnectTimeout = 30 * time.Second
	}
	if config.Remote.RequestTimeout == 0 {
		config.Remote.RequestTimeout = 60 * time.Second
	}
	if config.Remote.RequestTimeout < 0 {
		// 负数显式关闭超时
		config.Remote.RequestTimeout = 0
	}
	if config.Remote.SSEEndpointWait == 0 {
		config.Remote.SSEEndpointWait = 5 * time.Second
	}
	if config.Remote.ClientName == "" {
		config.Remote.ClientName = "mcphub"
	}
	if config.Remote.ClientVersion == "" {
		config.Remote.ClientVersion = "1.0.0"
	}

	// 动态服务默认值
	if config.Dynamic.BaseDir == "" {
		config.Dynamic.BaseDir = filepath.Join(config.Storage.DataDir, "dynamic-services")
	}
	if config.Dynamic.Interpreter == "" {
		config.Dynamic.Interpreter = "node"
	}
	if config.Dynamic.MinVersion == "" {
		config.Dynamic.MinVersion = "18.0.0"
	}

	// 市场默认值
	if config.Marketplace.DefaultSource == "" {
		config.Marketplace.DefaultSource = "official"
	}
	if config.Marketplace.OfficialBaseURL == "" {
		config.Marketplace.OfficialBaseURL = "https://registry.modelcontextprotocol.io"
	}
	if config.Marketplace.SmitheryBaseURL == "" {
		config.Marketplace.SmitheryBaseURL = "https://registry.smithery.ai"
	}
	if config.Marketplace.PageSize == 0 {
		config.Marketplace.PageSize = 20
	}
	if config.Marketplace.RequestTimeout == 0 {
		config.Marketplace.RequestTimeout = 15 * time.Second
	}
	if config.Marketplace.RatePerSecond == 0 {
		config.Marketplace.RatePerSecond = 5
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mcphub")
	}
	return ".mcphub"
}
