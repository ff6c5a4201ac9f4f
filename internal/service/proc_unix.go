//go:build unix

package service

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the process group led by p, vina spawns worker helpers.
func killTree(p *os.Process) error {
	if p == nil {
		return ErrNoProcess
	}
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil {
		return p.Kill()
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}
