//go:build unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup 让子进程自成进程组，终止时连同其派生的进程一起结束
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(p *os.Process) error {
	// 负 PID 表示整个进程组
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
