// Package store 持久化设置文档（服务器列表、动态服务列表等）。
//
// 每个文档按名称整体读写；后端可以是 JSON 文件目录或 SQL 数据库。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"McpHub/internal/config"
	"McpHub/internal/database"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"

	"github.com/tidwall/jsonc"
)

// Store 设置文档存储
type Store interface {
	// Load 读取文档到 v；文档不存在时返回 false 且不修改 v
	Load(ctx context.Context, name string, v any) (bool, error)
	// Save 整体写入文档
	Save(ctx context.Context, name string, v any) error
	Close() error
}

// Open 按配置创建存储后端
func Open(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "file":
		return NewFileStore(cfg.DataDir)
	case "sqlite", "postgres":
		return database.NewDatabaseService(cfg)
	default:
		return nil, apperrors.New(apperrors.CodeConfiguration, fmt.Sprintf("unknown storage driver %q", cfg.Driver))
	}
}

// FileStore 以目录下的 JSON 文件保存文档
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore 创建文件存储，目录不存在时自动创建
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to create data dir "+dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir 返回数据目录
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Load 读取文档；允许手工编辑时留下的注释和尾逗号
func (s *FileStore) Load(ctx context.Context, name string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistence, "failed to read "+name, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistence, "failed to parse "+name, err)
	}
	return true, nil
}

// Save 先写临时文件再重命名，避免读到写了一半的文档
func (s *FileStore) Save(ctx context.Context, name string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to encode "+name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(name)+".*")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to write "+name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodePersistence, "failed to write "+name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodePersistence, "failed to write "+name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.CodePersistence, "failed to replace "+name, err)
	}
	logger.Debug("saved %s (%d bytes)", target, len(data))
	return nil
}

// Close 文件存储无需释放资源
func (s *FileStore) Close() error {
	return nil
}
