//go:build linux

// Command jail-init is the helper the sandbox launcher starts inside fresh
// namespaces. It reads one InitRequest from descriptor 3, seals itself and
// execs the interpreter. Setup failures are written to descriptor 4, which
// is close-on-exec so that a successful execve shows up as EOF.
//
// It is not meant to be run by hand.
package main

import (
	"os"
	"runtime"
	"syscall"

	"github.com/isdmx/codejail/jail"
)

func init() {
	// Seal changes per-thread state (chroot, rlimits, seccomp) that has to
	// end up on the thread calling execve.
	runtime.LockOSThread()
}

func main() {
	status := os.NewFile(jail.StatusFD, "status")
	if status == nil {
		os.Exit(jail.ExitSetupFailed)
	}
	syscall.CloseOnExec(jail.StatusFD)

	os.Exit(run(status))
}

func run(status *os.File) int {
	requestFile := os.NewFile(jail.RequestFD, "request")
	if requestFile == nil {
		jail.ReportError(status, &jail.SetupError{Step: jail.StepDecode, Message: "request descriptor missing"})
		return jail.ExitSetupFailed
	}

	req, err := jail.ReadRequest(requestFile)
	_ = requestFile.Close()
	if err != nil {
		jail.ReportError(status, err)
		return jail.ExitSetupFailed
	}

	os.Clearenv()
	err = jail.Seal(req)
	jail.ReportError(status, err)
	return jail.ExitSetupFailed
}
