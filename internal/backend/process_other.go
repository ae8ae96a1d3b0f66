//go:build !unix

package backend

import (
	"os/exec"
)

// setProcessGroup 非 Unix 平台不支持进程组
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
