//go:build !unix

package service

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killTree(p *os.Process) error {
	if p == nil {
		return ErrNoProcess
	}
	return p.Kill()
}
