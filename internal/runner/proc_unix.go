//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// negative pid signals the whole group so package-manager children die too
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
