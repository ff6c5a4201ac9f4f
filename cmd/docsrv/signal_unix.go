//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// resume, stop
var resumeStop = []os.Signal{unix.SIGUSR1, unix.SIGUSR2}
