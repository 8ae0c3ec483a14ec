//go:build linux

package sandbox

import "syscall"

// jailSysProcAttr starts the helper in its own process group and fresh
// mount, network, pid, ipc and uts namespaces. The helper dies with the
// server.
func jailSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
		Cloneflags: syscall.CLONE_NEWNS |
			syscall.CLONE_NEWNET |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWUTS,
	}
}
