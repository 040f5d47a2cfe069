// Package process 管理以 stdio 通信的 MCP 子进程。
//
// 每个 serverID 至多对应一个子进程；请求写入 stdin 的一行 JSON，
// 响应从 stdout 逐行读取。
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/logger"

	"github.com/tidwall/gjson"
)

const (
	maxLineSize    = 16 * 1024 * 1024
	stderrTailSize = 4 * 1024
	killWait       = 3 * time.Second
)

// 不允许通过服务器配置注入的环境变量（动态链接劫持、包管理器配置）
var blockedEnvPrefixes = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
	"DYLD_FRAMEWORK_PATH",
	"npm_config_",
	"npm_lifecycle_",
	"npm_package_",
	"NPM_",
	"PNPM_",
}

// EnvAllowed 判断配置中的环境变量是否允许传给子进程
func EnvAllowed(key string) bool {
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(key, prefix) {
			return false
		}
	}
	return key != ""
}

// SessionInfo 进程会话信息
type SessionInfo struct {
	ServerID  string    `json:"server_id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

type session struct {
	info   SessionInfo
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string // stdout 逐行，EOF 时关闭
	stderr *tailBuffer
	done   chan struct{} // 进程退出后关闭
	stop   chan struct{}
	once   sync.Once

	// 同一进程上的请求/响应交换串行执行
	exchange sync.Mutex
}

// Host 按 serverID 管理子进程
type Host struct {
	sessions map[string]*session
	mutex    sync.RWMutex
}

// NewHost 创建进程宿主
func NewHost() *Host {
	return &Host{sessions: make(map[string]*session)}
}

// Connect 启动子进程；同一 serverID 已有进程时先将其终止
func (h *Host) Connect(ctx context.Context, serverID, command string, args []string, env map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Disconnect(serverID)

	cmd := exec.Command(command, args...)
	cmd.Env = buildEnv(serverID, env)
	setProcessGroup(cmd)
	// 遗留进程占着 stderr 时 Wait 不会无限等待
	cmd.WaitDelay = killWait

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "failed to open stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "failed to open stdout", err)
	}
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeTransport,
			fmt.Sprintf("failed to spawn MCP server (%s)", command),
			map[string]string{"server_id": serverID, "command": command}, err)
	}

	s := &session{
		info: SessionInfo{
			ServerID:  serverID,
			PID:       cmd.Process.Pid,
			Command:   strings.TrimSpace(command + " " + strings.Join(args, " ")),
			StartedAt: time.Now(),
		},
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 64),
		stderr: stderr,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go s.readLoop(stdout)

	h.mutex.Lock()
	h.sessions[serverID] = s
	h.mutex.Unlock()

	logger.InfoWithFields("mcp process started", map[string]interface{}{
		"server_id": serverID,
		"pid":       s.info.PID,
		"command":   s.info.Command,
	})
	return nil
}

// readLoop 读取 stdout 直到 EOF，然后回收进程
func (s *session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
scan:
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-s.stop:
			break scan
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdout read error for %s: %v", s.info.ServerID, err)
	}
	close(s.lines)
	_ = s.cmd.Wait()
	close(s.done)
}

// SendRequest 写入一行请求并返回对应的响应行
//
// 空行、非 JSON 输出（例如包管理器的下载提示）、通知以及 id 不匹配的响应都会被跳过。
func (h *Host) SendRequest(ctx context.Context, serverID, payload string) (string, error) {
	s, err := h.get(serverID)
	if err != nil {
		return "", err
	}

	wantID := gjson.Get(payload, "id")

	s.exchange.Lock()
	defer s.exchange.Unlock()

	if err := s.writeLine(payload); err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return "", s.eofError()
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !gjson.Valid(trimmed) {
				logger.Debug("skipping non-JSON output from %s: %s", serverID, truncate(trimmed, 200))
				continue
			}
			msg := gjson.Parse(trimmed)
			if !msg.IsObject() {
				continue
			}
			id := msg.Get("id")
			if !id.Exists() || msg.Get("method").Exists() {
				// 通知或服务端发起的请求
				continue
			}
			if wantID.Exists() && id.Raw != wantID.Raw {
				logger.Debug("skipping stale response id=%s from %s", id.Raw, serverID)
				continue
			}
			return trimmed, nil
		}
	}
}

// SendNotification 写入一行通知，不等待响应
func (h *Host) SendNotification(ctx context.Context, serverID, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := h.get(serverID)
	if err != nil {
		return err
	}
	s.exchange.Lock()
	defer s.exchange.Unlock()
	return s.writeLine(payload)
}

func (s *session) writeLine(payload string) error {
	if _, err := io.WriteString(s.stdin, payload+"\n"); err != nil {
		// 进程已退出时返回与读取 EOF 相同的错误
		select {
		case <-s.done:
			return s.eofError()
		case <-time.After(500 * time.Millisecond):
		}
		return apperrors.Wrap(apperrors.CodeTransport, "failed to write to MCP server", err)
	}
	return nil
}

// eofError 根据 stderr 内容区分正常退出和崩溃
func (s *session) eofError() error {
	select {
	case <-s.done:
	case <-time.After(200 * time.Millisecond):
	}
	tail := strings.TrimSpace(s.stderr.String())
	meta := map[string]string{"server_id": s.info.ServerID}
	if tail == "" {
		return apperrors.WithMetadata(apperrors.CodeTransport, "MCP server process ended unexpectedly (EOF)", meta)
	}
	return apperrors.WithMetadata(apperrors.CodeTransport, "MCP server crashed: "+tail, meta)
}

// Disconnect 终止 serverID 对应的进程，不存在时无操作
func (h *Host) Disconnect(serverID string) {
	h.mutex.Lock()
	s, ok := h.sessions[serverID]
	if ok {
		delete(h.sessions, serverID)
	}
	h.mutex.Unlock()
	if !ok {
		return
	}
	s.kill()
	logger.Info("mcp process stopped: %s", serverID)
}

func (s *session) kill() {
	s.once.Do(func() { close(s.stop) })
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = killProcessGroup(s.cmd.Process)
	}
	select {
	case <-s.done:
	case <-time.After(killWait):
		logger.Warn("mcp process %s (pid %d) did not exit in time", s.info.ServerID, s.info.PID)
	}
}

// CloseAll 终止全部进程
func (h *Host) CloseAll() {
	h.mutex.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mutex.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.kill()
		}(s)
	}
	wg.Wait()
}

// IsRunning 判断进程是否仍在运行
func (h *Host) IsRunning(serverID string) bool {
	h.mutex.RLock()
	s, ok := h.sessions[serverID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Sessions 返回当前进程列表，按 serverID 排序
func (h *Host) Sessions() []SessionInfo {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (h *Host) get(serverID string) (*session, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	s, ok := h.sessions[serverID]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeTransport,
			"MCP server not connected: "+serverID, map[string]string{"server_id": serverID})
	}
	return s, nil
}

func buildEnv(serverID string, env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !EnvAllowed(key) {
			logger.Warn("dropping blocked env var %s for %s", key, serverID)
			continue
		}
		out = append(out, key+"="+env[key])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer 只保留最后 size 字节的写入内容
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
