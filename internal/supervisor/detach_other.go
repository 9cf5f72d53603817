//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func terminate(proc *os.Process) error {
	return proc.Kill()
}
