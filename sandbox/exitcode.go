//go:build linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// signalExitBase is added to the signal number of a process killed by a
// signal, as shells do.
const signalExitBase = 128

// ExitCode converts the error returned by [exec.Cmd.Run] or [exec.Cmd.Wait]
// into a process exit code. A nil error is 0. Errors that did not come from a
// finished process map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCodeFromState(exitErr.ProcessState)
	}

	return 1
}

func exitCodeFromState(state *os.ProcessState) int {
	if state == nil {
		return 1
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return signalExitBase + int(ws.Signal())
	}

	code := state.ExitCode()
	if code < 0 {
		return 1
	}

	return code
}
