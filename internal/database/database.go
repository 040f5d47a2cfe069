package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"McpHub/internal/config"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DatabaseService 基于 SQL 的设置文档存储（sqlite 或 postgres）
type DatabaseService struct {
	db     *sql.DB
	driver string
}

// 各驱动的建表语句；两者都支持 $N 占位符和 ON CONFLICT
var schemas = map[string]string{
	"postgres": `
		CREATE TABLE IF NOT EXISTS settings_document (
			name       TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	"sqlite": `
		CREATE TABLE IF NOT EXISTS settings_document (
			name       TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
}

// NewDatabaseService 打开数据库并建表
func NewDatabaseService(cfg config.StorageConfig) (*DatabaseService, error) {
	driver := strings.ToLower(cfg.Driver)
	dsn := cfg.DSN

	switch driver {
	case "sqlite":
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to create data dir", err)
			}
			dsn = filepath.Join(cfg.DataDir, "mcphub.db")
		}
	case "postgres":
		if dsn == "" {
			return nil, apperrors.New(apperrors.CodeConfiguration, "postgres storage requires a dsn")
		}
	default:
		return nil, apperrors.New(apperrors.CodeConfiguration, fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to open database", err)
	}

	if driver == "sqlite" {
		// sqlite 单写者
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to ping database", err)
	}
	if _, err := db.ExecContext(ctx, schemas[driver]); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to create settings table", err)
	}

	logger.Info("Database connected successfully (driver=%s)", driver)
	return &DatabaseService{db: db, driver: driver}, nil
}

// Close 关闭数据库连接
func (ds *DatabaseService) Close() error {
	return ds.db.Close()
}

// Load 读取文档；不存在时返回 false
func (ds *DatabaseService) Load(ctx context.Context, name string, v any) (bool, error) {
	var body string
	err := ds.db.QueryRowContext(ctx, `SELECT body FROM settings_document WHERE name = $1`, name).Scan(&body)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistence, "failed to query "+name, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistence, "failed to parse "+name, err)
	}
	return true, nil
}

// Save 整体写入文档（upsert）
func (ds *DatabaseService) Save(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to encode "+name, err)
	}
	query := `
		INSERT INTO settings_document (name, body, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`
	if _, err := ds.db.ExecContext(ctx, query, name, string(body), time.Now().UTC()); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "failed to save "+name, err)
	}
	return nil
}

// DocumentInfo 文档元信息
type DocumentInfo struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListDocuments 列出所有已保存的文档
func (ds *DatabaseService) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := ds.db.QueryContext(ctx, `SELECT name, updated_at FROM settings_document ORDER BY name`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to query documents", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var doc DocumentInfo
		if err := rows.Scan(&doc.Name, &doc.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.CodePersistence, "failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
