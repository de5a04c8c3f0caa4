//go:build unix

package provider

import (
	"os/exec"
	"syscall"
)

// configureCommand starts the provider in its own process group so helpers
// spawned by launchers such as sh, npx or uvx can be killed with it.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(cmd *exec.Cmd) {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
