package manager

import (
	"context"
	"testing"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
)

func wikiServer(reply string) *fakeServer {
	return &fakeServer{
		tools: []models.Tool{
			{Name: "publish", Description: "Publish a page"},
			{Name: "search", Description: "Search pages"},
		},
		onCall: func(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
			return textResult(reply), nil
		},
	}
}

func connectedWiki(t *testing.T, reply string) (*Registry, *fakeNetwork) {
	t.Helper()
	net := newFakeNetwork()
	net.add("wiki", wikiServer(reply))
	r := newTestRegistry(t, net, newMemStore())
	cfg := stdioConfig("wiki", "Team Wiki")
	_ = r.AddServer(cfg)
	if err := r.ConnectServer(context.Background(), cfg); err != nil {
		t.Fatalf("ConnectServer() error = %v", err)
	}
	if err := r.AddPublishTarget(models.PublishTarget{
		ID:          "docs",
		Name:        "Docs space",
		McpServerID: "wiki",
		Config:      models.JSONB{"space": "ENG"},
	}); err != nil {
		t.Fatalf("AddPublishTarget() error = %v", err)
	}
	return r, net
}

func TestPublishDocumentParsesJSONReply(t *testing.T) {
	r, net := connectedWiki(t, `{"url":"https://wiki.example.com/ENG/Release","message":"created"}`)

	result, err := r.PublishDocument(context.Background(), models.PublishRequest{
		TargetID: "docs",
		Title:    "Release",
		Content:  "# Notes",
		Format:   "markdown",
	})
	if err != nil {
		t.Fatalf("PublishDocument() error = %v", err)
	}
	if !result.Success || result.URL != "https://wiki.example.com/ENG/Release" || result.Message != "created" {
		t.Fatalf("PublishDocument() = %+v", result)
	}
	want := `wiki:publish:{"content":"# Notes","format":"markdown","metadata":{},"targetConfig":{"space":"ENG"},"title":"Release"}`
	if log := net.callLog(); len(log) != 1 || log[0] != want {
		t.Fatalf("call log = %v, want %s", log, want)
	}
}

func TestPublishDocumentFallsBackToRawText(t *testing.T) {
	r, _ := connectedWiki(t, "Page saved")

	result, err := r.PublishDocument(context.Background(), models.PublishRequest{TargetID: "docs", Title: "T"})
	if err != nil {
		t.Fatalf("PublishDocument() error = %v", err)
	}
	if !result.Success || result.URL != "" || result.Message != "Page saved" {
		t.Fatalf("PublishDocument() = %+v", result)
	}
}

func TestPublishDocumentToolError(t *testing.T) {
	net := newFakeNetwork()
	wiki := wikiServer("")
	wiki.onCall = func(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
		res := textResult("space ENG is read-only")
		res.IsError = true
		return res, nil
	}
	net.add("wiki", wiki)
	r := newTestRegistry(t, net, nil)
	_ = r.ConnectServer(context.Background(), stdioConfig("wiki", "Wiki"))
	_ = r.AddPublishTarget(models.PublishTarget{ID: "docs", McpServerID: "wiki"})

	_, err := r.PublishDocument(context.Background(), models.PublishRequest{TargetID: "docs"})
	if !apperrors.HasCode(err, apperrors.CodeToolInvocation) || err.Error() != "space ENG is read-only" {
		t.Fatalf("PublishDocument() error = %v", err)
	}
}

func TestPublishDocumentRequiresConnection(t *testing.T) {
	r, net := connectedWiki(t, "ok")
	_ = r.DisconnectServer("wiki")
	_, _, before := net.activity()

	_, err := r.PublishDocument(context.Background(), models.PublishRequest{TargetID: "docs"})
	if err == nil || err.Error() != "MCP server not connected: wiki" {
		t.Fatalf("PublishDocument() error = %v", err)
	}
	if _, _, after := net.activity(); after != before {
		t.Fatal("publish reached the server while disconnected")
	}
	if _, err := r.PublishDocument(context.Background(), models.PublishRequest{TargetID: "nope"}); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("PublishDocument(unknown target) error = %v", err)
	}
}

func TestPublishTargetsPersisted(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, newFakeNetwork(), store)
	target := models.PublishTarget{ID: "docs", Name: "Docs", McpServerID: "wiki"}

	if err := r.AddPublishTarget(target); err != nil {
		t.Fatalf("AddPublishTarget() error = %v", err)
	}
	if err := r.AddPublishTarget(target); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("duplicate AddPublishTarget() error = %v", err)
	}
	if got := store.settings().PublishTargets; len(got) != 1 || got[0].ID != "docs" {
		t.Fatalf("persisted targets = %+v", got)
	}
	if err := r.RemovePublishTarget("docs"); err != nil {
		t.Fatalf("RemovePublishTarget() error = %v", err)
	}
	if got := store.settings().PublishTargets; len(got) != 0 {
		t.Fatalf("persisted targets after remove = %+v", got)
	}
}

func TestDiscoverPublishTargets(t *testing.T) {
	net := newFakeNetwork()
	net.add("wiki", wikiServer("ok"))
	net.add("notion", &fakeServer{tools: []models.Tool{
		{Name: "create_page", Description: "Publish content as a Notion page"},
		{Name: "publish_draft"},
	}})
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	for _, cfg := range []models.ServerConfig{stdioConfig("wiki", "Team Wiki"), stdioConfig("notion", "Notion"), stdioConfig("filesystem", "Filesystem")} {
		_ = r.AddServer(cfg)
		_ = r.ConnectServer(context.Background(), cfg)
	}

	targets := r.DiscoverPublishTargets()
	if len(targets) != 2 {
		t.Fatalf("DiscoverPublishTargets() = %+v, want one per publishing server", targets)
	}
	byServer := map[string]models.PublishTarget{}
	for _, target := range targets {
		byServer[target.McpServerID] = target
	}
	if got := byServer["wiki"]; got.ID != "discovered-wiki" || got.Name != "Team Wiki" || got.Type != "publish" {
		t.Fatalf("wiki target = %+v", got)
	}
	if got := byServer["notion"]; got.Type != "create_page" {
		t.Fatalf("notion target = %+v", got)
	}
}
