//go:build !unix

package runner

import "os/exec"

// configureProcessGroup keeps the exec default of a single child process.
func configureProcessGroup(_ *exec.Cmd) {}

// terminateGroup has no graceful variant here.
func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
