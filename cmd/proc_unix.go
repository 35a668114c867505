//go:build unix

package cmd

import (
	"os/exec"
	"syscall"
)

// setProcAttr detaches the child from the terminal's process group
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}
