//go:build unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so signals aimed at the
// bot do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(proc *os.Process) error {
	return syscall.Kill(-proc.Pid, syscall.SIGTERM)
}
