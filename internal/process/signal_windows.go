//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcAttrs(*exec.Cmd) {}

// Windows has no SIGTERM; both steps kill outright.
func terminate(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }
