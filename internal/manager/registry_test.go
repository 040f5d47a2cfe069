package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
)

func newTestRegistry(t *testing.T, net *fakeNetwork, store SettingsStore) *Registry {
	t.Helper()
	r := NewRegistry(Options{Store: store, Factory: net.factory, ConnectTimeout: 5 * time.Second})
	t.Cleanup(r.Close)
	return r
}

func filesystemServer() *fakeServer {
	return &fakeServer{
		tools: []models.Tool{
			{Name: "read_file", Description: "Read a file"},
			{Name: "write_file", Description: "Write a file"},
		},
		resources: []models.Resource{{URI: "file:///workspace", Name: "workspace"}},
	}
}

func TestFilesystemScenario(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)

	if err := r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem")); err != nil {
		t.Fatalf("ConnectServer() error = %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Tools) != 2 {
		t.Fatalf("tools = %+v, want read_file and write_file", snap.Tools)
	}
	for i, want := range []string{"read_file", "write_file"} {
		if snap.Tools[i].Name != want || snap.Tools[i].ServerID != "filesystem" {
			t.Errorf("tool[%d] = %+v", i, snap.Tools[i])
		}
	}

	created, connects, calls := net.activity()
	_, err := r.CallTool(context.Background(), "delete_file", map[string]any{})
	if err == nil || err.Error() != "Tool not found: delete_file" {
		t.Fatalf("CallTool(delete_file) error = %v", err)
	}
	if !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("error code = %q, want CONFIGURATION", apperrors.CodeOf(err))
	}
	c2, n2, k2 := net.activity()
	if c2 != created || n2 != connects || k2 != calls {
		t.Fatal("unknown tool triggered client activity")
	}

	result, err := r.CallTool(context.Background(), "read_file", map[string]any{"path": "/a"})
	if err != nil {
		t.Fatalf("CallTool(read_file) error = %v", err)
	}
	if text, _ := result.FirstText(); text != "ok" {
		t.Fatalf("CallTool(read_file) = %+v", result)
	}
	if log := net.callLog(); len(log) != 1 || log[0] != `filesystem:read_file:{"path":"/a"}` {
		t.Fatalf("call log = %v", log)
	}
}

func TestReconnectYieldsNoDuplicates(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	cfg := stdioConfig("filesystem", "Filesystem")

	for i := 0; i < 3; i++ {
		if err := r.ConnectServer(context.Background(), cfg); err != nil {
			t.Fatalf("ConnectServer() #%d error = %v", i, err)
		}
	}

	snap := r.Snapshot()
	seen := map[string]int{}
	for _, tool := range snap.Tools {
		seen[tool.ServerID+"/"+tool.Name]++
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("tool %s appears %d times", key, n)
		}
	}
	if len(snap.Resources) != 1 {
		t.Fatalf("resources = %d, want 1", len(snap.Resources))
	}
	if net.maxLive["filesystem"] != 1 {
		t.Fatalf("max live clients = %d, want 1", net.maxLive["filesystem"])
	}
	if len(net.closes) != 2 {
		t.Fatalf("closed %d prior sessions, want 2", len(net.closes))
	}
}

func TestConcurrentConnectsNeverStack(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	cfg := stdioConfig("filesystem", "Filesystem")

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- r.ConnectServer(context.Background(), cfg) }()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("ConnectServer() error = %v", err)
		}
	}
	if net.maxLive["filesystem"] != 1 {
		t.Fatalf("max live clients = %d, want 1", net.maxLive["filesystem"])
	}
	if n := len(r.Snapshot().Tools); n != 2 {
		t.Fatalf("tools = %d, want 2", n)
	}
}

func TestDisconnectPurgesOwnedEntries(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	net.add("git", &fakeServer{
		tools:     []models.Tool{{Name: "git_status"}},
		resources: []models.Resource{{URI: "git://HEAD", Name: "HEAD"}},
	})
	r := newTestRegistry(t, net, nil)
	ctx := context.Background()
	_ = r.AddServer(stdioConfig("filesystem", "Filesystem"))
	_ = r.ConnectServer(ctx, stdioConfig("filesystem", "Filesystem"))
	_ = r.ConnectServer(ctx, stdioConfig("git", "Git"))

	if err := r.DisconnectServer("filesystem"); err != nil {
		t.Fatalf("DisconnectServer() error = %v", err)
	}

	snap := r.Snapshot()
	for _, tool := range snap.Tools {
		if tool.ServerID == "filesystem" {
			t.Errorf("tool %s still tagged filesystem", tool.Name)
		}
	}
	for _, res := range snap.Resources {
		if res.ServerID == "filesystem" {
			t.Errorf("resource %s still tagged filesystem", res.URI)
		}
	}
	if snap.IsConnected("filesystem") {
		t.Fatal("filesystem still connected")
	}
	if got := snap.ConnectedIDs(); len(got) != 1 || got[0] != "git" {
		t.Fatalf("ConnectedIDs() = %v", got)
	}
	if _, ok := snap.Server("filesystem"); !ok {
		t.Fatal("DisconnectServer removed the config")
	}
	if len(snap.Tools) != 1 || len(snap.Resources) != 1 {
		t.Fatalf("git entries lost: tools=%v resources=%v", snap.Tools, snap.Resources)
	}
}

func TestDiscoveryFailureDegradesToEmptyList(t *testing.T) {
	net := newFakeNetwork()
	fs := filesystemServer()
	fs.toolsErr = apperrors.New(apperrors.CodeProtocol, "Method not found")
	net.add("filesystem", fs)
	r := newTestRegistry(t, net, nil)

	if err := r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem")); err != nil {
		t.Fatalf("ConnectServer() error = %v", err)
	}
	snap := r.Snapshot()
	if !snap.IsConnected("filesystem") {
		t.Fatal("server not connected after discovery failure")
	}
	if len(snap.Tools) != 0 || len(snap.Resources) != 1 {
		t.Fatalf("tools=%d resources=%d, want 0 and 1", len(snap.Tools), len(snap.Resources))
	}
}

func TestConnectFailureRecordedPerServer(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	net.add("broken", &fakeServer{connectErr: apperrors.New(apperrors.CodeTransport, "failed to spawn MCP server")})
	net.add("disabled", filesystemServer())
	r := newTestRegistry(t, net, nil)

	disabled := stdioConfig("disabled", "Disabled")
	disabled.Enabled = false
	for _, cfg := range []models.ServerConfig{stdioConfig("filesystem", "Filesystem"), stdioConfig("broken", "Broken"), disabled} {
		if err := r.AddServer(cfg); err != nil {
			t.Fatalf("AddServer(%s) error = %v", cfg.ID, err)
		}
	}

	r.ConnectAllServers(context.Background())

	snap := r.Snapshot()
	if !snap.IsConnected("filesystem") {
		t.Fatal("healthy server not connected")
	}
	if snap.IsConnected("broken") || snap.IsConnected("disabled") {
		t.Fatalf("connected = %v", snap.ConnectedIDs())
	}
	if !strings.Contains(snap.ServerErrors["broken"], "failed to spawn") {
		t.Fatalf("ServerErrors = %v", snap.ServerErrors)
	}

	r.DisconnectAllServers()
	snap = r.Snapshot()
	if ids := snap.ConnectedIDs(); len(ids) != 0 {
		t.Fatalf("ConnectedIDs() after DisconnectAllServers = %v", ids)
	}
}

func TestAddThenRemovePersistsServerList(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	store := newMemStore()
	r := newTestRegistry(t, net, store)
	cfg := stdioConfig("filesystem", "Filesystem")

	if err := r.AddServer(cfg); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	if doc := store.settings(); len(doc.Servers) != 1 || doc.Servers[0].ID != "filesystem" {
		t.Fatalf("persisted servers after add = %+v", doc.Servers)
	}
	if err := r.AddServer(cfg); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("duplicate AddServer() error = %v", err)
	}

	_ = r.ConnectServer(context.Background(), cfg)
	if err := r.RemoveServer("filesystem"); err != nil {
		t.Fatalf("RemoveServer() error = %v", err)
	}
	for _, s := range store.settings().Servers {
		if s.ID == "filesystem" {
			t.Fatal("persisted server list still contains filesystem")
		}
	}
	snap := r.Snapshot()
	if len(snap.Tools) != 0 || snap.IsConnected("filesystem") {
		t.Fatalf("RemoveServer left state behind: %+v", snap)
	}
	if err := r.RemoveServer("filesystem"); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("second RemoveServer() error = %v", err)
	}
}

func TestDynamicServersAreNotPersisted(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, newFakeNetwork(), store)
	cfg := stdioConfig("dynamic-1", "Weather Tool")
	cfg.Dynamic = true
	_ = r.AddServer(cfg)
	_ = r.AddServer(stdioConfig("git", "Git"))

	doc := store.settings()
	if len(doc.Servers) != 1 || doc.Servers[0].ID != "git" {
		t.Fatalf("persisted servers = %+v", doc.Servers)
	}
}

func TestPersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	r := newTestRegistry(t, newFakeNetwork(), store)

	if err := r.AddServer(stdioConfig("git", "Git")); err != nil {
		t.Fatalf("AddServer() error = %v, want swallowed persistence error", err)
	}
	snap := r.Snapshot()
	if _, ok := snap.Server("git"); !ok {
		t.Fatal("in-memory state lost the server")
	}
}

func TestPersistNeverWritesOlderVersion(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, newFakeNetwork(), store)
	_ = r.AddServer(stdioConfig("a", "A"))
	older := r.current()
	_ = r.AddServer(stdioConfig("b", "B"))
	latest := r.current()

	r.persist(older)
	if got := len(store.settings().Servers); got != 2 {
		t.Fatalf("older snapshot overwrote newer: %d servers persisted", got)
	}
	r.persist(latest)
	if store.saves != 2 {
		t.Fatalf("saves = %d, want 2", store.saves)
	}
}

func TestLoadRestoresSettings(t *testing.T) {
	store := newMemStore()
	dynamic := stdioConfig("dynamic-x", "X")
	dynamic.Dynamic = true
	_ = store.Save(context.Background(), SettingsDocument, settings{
		Servers:           []models.ServerConfig{stdioConfig("git", "Git"), dynamic, {ID: "bad"}},
		SyncConfigs:       []models.SyncConfig{{ID: "kb", Name: "Notes", McpServerID: "git"}},
		PublishTargets:    []models.PublishTarget{{ID: "wiki", Name: "Wiki", McpServerID: "git"}},
		MarketplaceSource: "smithery",
	})

	r := newTestRegistry(t, newFakeNetwork(), store)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap := r.Snapshot()
	if len(snap.Servers) != 1 || snap.Servers[0].ID != "git" {
		t.Fatalf("servers = %+v", snap.Servers)
	}
	if snap.SyncStatuses["kb"].State != models.SyncIdle {
		t.Fatalf("sync status = %+v", snap.SyncStatuses["kb"])
	}
	if r.MarketplaceSource() != "smithery" || len(snap.PublishTargets) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMarketplaceSourcePersisted(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(t, newFakeNetwork(), store)
	if r.MarketplaceSource() != DefaultMarketplaceSource {
		t.Fatalf("default source = %q", r.MarketplaceSource())
	}
	if err := r.SetMarketplaceSource("builtin"); err != nil {
		t.Fatalf("SetMarketplaceSource() error = %v", err)
	}
	if store.settings().MarketplaceSource != "builtin" {
		t.Fatalf("persisted source = %q", store.settings().MarketplaceSource)
	}
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	ch, cancel := r.Subscribe()
	defer cancel()

	_ = r.AddServer(stdioConfig("filesystem", "Filesystem"))
	_ = r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem"))

	select {
	case snap := <-ch:
		if snap.Version != r.Snapshot().Version {
			t.Fatalf("subscriber got version %d, latest is %d", snap.Version, r.Snapshot().Version)
		}
		if len(snap.Tools) != 2 {
			t.Fatalf("subscriber snapshot tools = %d", len(snap.Tools))
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestSnapshotIsNotAliased(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	_ = r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem"))

	snap := r.Snapshot()
	snap.Tools[0].Name = "mutated"
	snap.Connected["ghost"] = true

	again := r.Snapshot()
	if again.Tools[0].Name != "read_file" || again.IsConnected("ghost") {
		t.Fatal("mutating a snapshot changed registry state")
	}
}

func TestCallToolRequestTimeout(t *testing.T) {
	net := newFakeNetwork()
	slow := filesystemServer()
	slow.onCall = func(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
		<-ctx.Done()
		return nil, apperrors.Wrap(apperrors.CodeTransport, "tools/call timed out", ctx.Err())
	}
	net.add("filesystem", slow)
	r := NewRegistry(Options{Factory: net.factory, RequestTimeout: 50 * time.Millisecond})
	t.Cleanup(r.Close)
	_ = r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem"))

	start := time.Now()
	_, err := r.CallTool(context.Background(), "read_file", nil)
	if !apperrors.HasCode(err, apperrors.CodeTransport) {
		t.Fatalf("CallTool() error = %v, want transport timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestProtocolErrorsBecomeToolInvocationErrors(t *testing.T) {
	net := newFakeNetwork()
	fs := filesystemServer()
	fs.onCall = func(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
		return nil, apperrors.New(apperrors.CodeProtocol, "tools/call failed: Invalid params (code -32602)")
	}
	net.add("filesystem", fs)
	r := newTestRegistry(t, net, nil)
	_ = r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem"))

	_, err := r.CallServerTool(context.Background(), "filesystem", "write_file", nil)
	if !apperrors.HasCode(err, apperrors.CodeToolInvocation) {
		t.Fatalf("CallServerTool() error = %v", err)
	}
	if _, err := r.CallServerTool(context.Background(), "git", "write_file", nil); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("CallServerTool(wrong server) error = %v", err)
	}
}

func TestReadResource(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	r := newTestRegistry(t, net, nil)
	_ = r.ConnectServer(context.Background(), stdioConfig("filesystem", "Filesystem"))

	text, err := r.ReadResource(context.Background(), "file:///workspace")
	if err != nil || text != "contents of file:///workspace" {
		t.Fatalf("ReadResource() = %q, %v", text, err)
	}
	if _, err := r.ReadResource(context.Background(), "file:///nope"); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("ReadResource(unknown) error = %v", err)
	}
}

func TestUpdateServerReconnects(t *testing.T) {
	net := newFakeNetwork()
	net.add("filesystem", filesystemServer())
	store := newMemStore()
	r := newTestRegistry(t, net, store)
	cfg := stdioConfig("filesystem", "Filesystem")
	_ = r.AddServer(cfg)
	_ = r.ConnectServer(context.Background(), cfg)

	cfg.Name = "Workspace Files"
	if err := r.UpdateServer(context.Background(), cfg); err != nil {
		t.Fatalf("UpdateServer() error = %v", err)
	}
	if _, connects, _ := net.activity(); connects != 2 {
		t.Fatalf("connects = %d, want reconnect", connects)
	}
	if store.settings().Servers[0].Name != "Workspace Files" {
		t.Fatalf("persisted = %+v", store.settings().Servers)
	}
	if err := r.UpdateServer(context.Background(), stdioConfig("ghost", "Ghost")); !apperrors.HasCode(err, apperrors.CodeConfiguration) {
		t.Fatalf("UpdateServer(unknown) error = %v", err)
	}
}
