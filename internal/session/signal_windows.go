//go:build windows

package session

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup has no process groups to target on Windows; every signal
// becomes a hard kill of the process itself.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitResult(ps *os.ProcessState) ExitResult {
	if ps == nil {
		return ExitResult{Code: -1}
	}
	return ExitResult{Code: ps.ExitCode()}
}
