//go:build !windows

package adapter

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so signals sent to the
// runner do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
