//go:build !windows && !plan9 && !wasm
// +build !windows,!plan9,!wasm

package tunnel

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the tunnel in its own process group so it survives the
// terminal that started it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
