package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"McpHub/internal/models"
)

// fakeServer 假服务器的行为描述
type fakeServer struct {
	tools      []models.Tool
	resources  []models.Resource
	connectErr error
	toolsErr   error
	resErr     error
	onCall     func(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error)
}

// fakeNetwork 记录所有客户端活动，用于断言"没有任何 I/O"
type fakeNetwork struct {
	mu       sync.Mutex
	servers  map[string]*fakeServer
	created  int
	connects int
	calls    []string
	closes   []string
	live     map[string]int
	maxLive  map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		servers: map[string]*fakeServer{},
		live:    map[string]int{},
		maxLive: map[string]int{},
	}
}

func (n *fakeNetwork) add(id string, s *fakeServer) {
	n.mu.Lock()
	n.servers[id] = s
	n.mu.Unlock()
}

func (n *fakeNetwork) factory(cfg models.ServerConfig) (ClientInterface, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created++
	s, ok := n.servers[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("no fake server %s", cfg.ID)
	}
	return &fakeClient{id: cfg.ID, server: s, net: n}, nil
}

func (n *fakeNetwork) activity() (created, connects, calls int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created, n.connects, len(n.calls)
}

func (n *fakeNetwork) callLog() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type fakeClient struct {
	id     string
	server *fakeServer
	net    *fakeNetwork
	closed bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.connects++
	if c.server.connectErr != nil {
		return c.server.connectErr
	}
	c.net.live[c.id]++
	if c.net.live[c.id] > c.net.maxLive[c.id] {
		c.net.maxLive[c.id] = c.net.live[c.id]
	}
	return nil
}

func (c *fakeClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	if c.server.toolsErr != nil {
		return nil, c.server.toolsErr
	}
	out := make([]models.Tool, len(c.server.tools))
	for i, tool := range c.server.tools {
		tool.ServerID = c.id
		out[i] = tool
	}
	return out, nil
}

func (c *fakeClient) ListResources(ctx context.Context) ([]models.Resource, error) {
	if c.server.resErr != nil {
		return nil, c.server.resErr
	}
	out := make([]models.Resource, len(c.server.resources))
	for i, res := range c.server.resources {
		res.ServerID = c.id
		out[i] = res
	}
	return out, nil
}

func (c *fakeClient) CallTool(ctx context.Context, req models.ToolCallRequest) (*models.ToolCallResult, error) {
	args, _ := json.Marshal(req.Arguments)
	c.net.mu.Lock()
	c.net.calls = append(c.net.calls, c.id+":"+req.Name+":"+string(args))
	c.net.mu.Unlock()
	if c.server.onCall != nil {
		return c.server.onCall(ctx, req)
	}
	return textResult("ok"), nil
}

func (c *fakeClient) ReadResource(ctx context.Context, uri string) (string, error) {
	for _, res := range c.server.resources {
		if res.URI == uri {
			return "contents of " + uri, nil
		}
	}
	return "", errors.New("unknown resource")
}

func (c *fakeClient) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.net.closes = append(c.net.closes, c.id)
		if c.net.live[c.id] > 0 {
			c.net.live[c.id]--
		}
	}
	return nil
}

func textResult(text string) *models.ToolCallResult {
	return &models.ToolCallResult{Content: []models.ContentBlock{{Type: "text", Text: text}}}
}

// memStore 内存设置存储
type memStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{docs: map[string][]byte{}}
}

func (m *memStore) Load(ctx context.Context, name string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (m *memStore) Save(ctx context.Context, name string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.docs[name] = data
	m.saves++
	return nil
}

func (m *memStore) settings() settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	var doc settings
	_ = json.Unmarshal(m.docs[SettingsDocument], &doc)
	return doc
}

func stdioConfig(id, name string) models.ServerConfig {
	return models.ServerConfig{
		ID:      id,
		Name:    name,
		Enabled: true,
		Transport: models.TransportConfig{
			Type:    models.TransportStdio,
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-" + id},
		},
	}
}
