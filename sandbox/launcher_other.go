//go:build !linux

package sandbox

import "syscall"

// jailSysProcAttr only sets a process group; the helper refuses to seal
// itself outside linux.
func jailSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
