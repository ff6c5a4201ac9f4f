//go:build !unix

package main

import "os"

var resumeStop []os.Signal
