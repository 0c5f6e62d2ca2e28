//go:build !windows

package session

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup signals the process group led by pid. Sessions are started
// with setsid, so the group holds the program and anything it spawned.
// A group that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func exitResult(ps *os.ProcessState) ExitResult {
	if ps == nil {
		return ExitResult{Code: -1}
	}
	res := ExitResult{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Code = -1
		res.Signal = ws.Signal().String()
	}
	return res
}
