package database

import (
	"context"
	"testing"

	"McpHub/internal/config"
	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
)

func openTestDB(t *testing.T) *DatabaseService {
	t.Helper()
	ds, err := NewDatabaseService(config.StorageConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("NewDatabaseService() error = %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

type settings struct {
	Servers []models.ServerConfig `json:"servers"`
}

func TestSaveLoadUpsert(t *testing.T) {
	ds := openTestDB(t)
	ctx := context.Background()

	var got settings
	found, err := ds.Load(ctx, "mcp-servers.json", &got)
	if err != nil || found {
		t.Fatalf("Load(missing) = %v, %v", found, err)
	}

	first := settings{Servers: []models.ServerConfig{{ID: "fs", Name: "Filesystem"}}}
	if err := ds.Save(ctx, "mcp-servers.json", first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second := settings{Servers: []models.ServerConfig{{ID: "fs", Name: "Filesystem"}, {ID: "git", Name: "Git"}}}
	if err := ds.Save(ctx, "mcp-servers.json", second); err != nil {
		t.Fatalf("Save(upsert) error = %v", err)
	}

	found, err = ds.Load(ctx, "mcp-servers.json", &got)
	if err != nil || !found {
		t.Fatalf("Load() = %v, %v", found, err)
	}
	if len(got.Servers) != 2 || got.Servers[1].ID != "git" {
		t.Fatalf("Load() = %+v", got)
	}

	docs, err := ds.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "mcp-servers.json" {
		t.Fatalf("ListDocuments() = %+v", docs)
	}
}

func TestNewDatabaseServiceConfigErrors(t *testing.T) {
	if _, err := NewDatabaseService(config.StorageConfig{Driver: "postgres"}); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("postgres without dsn error = %v", err)
	}
	if _, err := NewDatabaseService(config.StorageConfig{Driver: "mysql"}); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("mysql error = %v", err)
	}
}
