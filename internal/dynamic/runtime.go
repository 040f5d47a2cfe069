package dynamic

import (
	"context"
	_ "embed"
	"encoding/binary"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	apperrors "McpHub/internal/errors"

	"github.com/zeebo/blake3"
	"golang.org/x/mod/semver"
)

//go:embed runtime/mcp-runtime.cjs
var runtimeScript []byte

const (
	runtimeDirName  = "runtime"
	runtimeFileName = "mcp-runtime.cjs"
	definitionFile  = "definition.json"
	handlersFile    = "handlers.js"
)

// VersionReader 返回解释器版本字符串（例如 "v20.11.1"）
type VersionReader func(ctx context.Context, interpreter string) (string, error)

// ExecVersion 执行 `<interpreter> --version`
func ExecVersion(ctx context.Context, interpreter string) (string, error) {
	out, err := exec.CommandContext(ctx, interpreter, "--version").Output()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "interpreter "+interpreter+" not available", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// canonicalVersion 转换为 semver 包接受的 vMAJOR.MINOR.PATCH 形式
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if fields := strings.Fields(v); len(fields) > 0 {
		v = fields[len(fields)-1]
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// versionSupported 判断 version 不低于 minimum
func versionSupported(version, minimum string) bool {
	have := canonicalVersion(version)
	want := canonicalVersion(minimum)
	if have == "" {
		return false
	}
	if want == "" {
		return true
	}
	return semver.Compare(have, want) >= 0
}

// EnsureRuntime 将共享运行时脚本写入 <base>/runtime，已存在时跳过
func (m *Manager) EnsureRuntime() (string, error) {
	m.runtimeMu.Lock()
	defer m.runtimeMu.Unlock()

	path := filepath.Join(m.opts.BaseDir, runtimeDirName, runtimeFileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "failed to create runtime directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, runtimeScript, 0o644); err != nil {
		return "", apperrors.Wrap(apperrors.CodePersistence, "failed to write runtime script", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", apperrors.Wrap(apperrors.CodePersistence, "failed to install runtime script", err)
	}
	return path, nil
}

// checksum 计算服务目录中 definition 与 handlers 的内容哈希
func checksum(dir string) (string, error) {
	h := blake3.New()
	for _, name := range []string{definitionFile, handlersFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		// 文件名和长度参与哈希，防止内容在两个文件之间挪动
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(len(data)))
		h.Write([]byte(name))
		h.Write(size[:])
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
