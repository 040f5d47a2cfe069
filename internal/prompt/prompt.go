// Package prompt 终端上的阻塞式 yes/no 确认。
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	apperrors "McpHub/internal/errors"

	"golang.org/x/term"
)

// Confirmer 从输入读取一行回答；同一时刻只显示一个提示。
// 输入只由一个长期存在的 goroutine 读取，取消的提示不会留下读者。
type Confirmer struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	interactive func() bool

	readOnce sync.Once
	lines    chan string
	// readErr 在 lines 关闭前写入
	readErr error
}

// New 使用给定的输入输出，总是视为可交互
func New(in io.Reader, out io.Writer) *Confirmer {
	return &Confirmer{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: func() bool { return true },
		lines:       make(chan string),
	}
}

// NewTerminal 读取标准输入、提示写到标准错误；标准输入不是终端时拒绝所有确认
func NewTerminal() *Confirmer {
	c := New(os.Stdin, os.Stderr)
	fd := int(os.Stdin.Fd())
	c.interactive = func() bool { return term.IsTerminal(fd) }
	return c
}

func (c *Confirmer) readLines() {
	for {
		line, err := c.in.ReadString('\n')
		if line != "" {
			c.lines <- line
		}
		if err != nil {
			c.readErr = err
			close(c.lines)
			return
		}
	}
}

// Confirm 显示标题和消息，回答 y 或 yes 时返回 true
func (c *Confirmer) Confirm(ctx context.Context, title, message string) (bool, error) {
	if !c.interactive() {
		return false, apperrors.New(apperrors.CodeUnavailable, "no terminal available for confirmation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readOnce.Do(func() { go c.readLines() })
	fmt.Fprintf(c.out, "\n%s\n%s\nAllow? [y/N]: ", title, message)

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			if errors.Is(c.readErr, io.EOF) {
				return false, nil
			}
			return false, c.readErr
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
