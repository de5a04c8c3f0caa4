//go:build !unix

package provider

import "os/exec"

func configureCommand(*exec.Cmd) {}

func killTree(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
