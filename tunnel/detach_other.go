//go:build windows || plan9 || wasm
// +build windows plan9 wasm

package tunnel

import (
	"os"
	"os/exec"
)

func detach(cmd *exec.Cmd) {}

func kill(p *os.Process) error {
	return p.Kill()
}
