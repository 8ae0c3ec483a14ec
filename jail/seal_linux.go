//go:build linux

package jail

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// rootTmpfsOptions sizes the jail root; it only holds mount points.
const rootTmpfsOptions = "size=1m,mode=0755"

// Seal turns the calling process into the sandboxed interpreter. It must run
// as root inside fresh mount, network, pid, ipc and uts namespaces. On
// success it does not return.
func Seal(req *InitRequest) error {
	runtime.LockOSThread()

	if err := req.Validate(); err != nil {
		return stepError(StepDecode, err)
	}

	// Everything execve needs is allocated up front: after the rlimits the
	// helper should not grow its heap.
	argv := req.Argv()
	pathPtr, err := unix.BytePtrFromString(req.Interpreter)
	if err != nil {
		return stepError(StepExec, err)
	}
	argvPtrs, err := syscall.SlicePtrFromStrings(argv)
	if err != nil {
		return stepError(StepExec, err)
	}
	envPtrs, err := syscall.SlicePtrFromStrings(req.Env)
	if err != nil {
		return stepError(StepExec, err)
	}
	filters, err := BuildFilters(req.Policy, uint64(uintptr(unsafe.Pointer(pathPtr))))
	if err != nil {
		return stepError(StepSeccomp, err)
	}

	if err := buildFilesystem(req); err != nil {
		return err
	}
	if err := applyRlimits(req.Limits); err != nil {
		return stepError(StepRlimits, err)
	}
	if err := dropPrivileges(req.UID, req.GID); err != nil {
		return stepError(StepIdentity, err)
	}
	for _, policy := range filters {
		if err := seccomp.LoadFilter(seccomp.Filter{
			NoNewPrivs: true,
			Flag:       seccomp.FilterFlagTSync,
			Policy:     policy,
		}); err != nil {
			return stepError(StepSeccomp, err)
		}
	}

	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&argvPtrs[0])),
		uintptr(unsafe.Pointer(&envPtrs[0])))
	runtime.KeepAlive(pathPtr)
	runtime.KeepAlive(argvPtrs)
	runtime.KeepAlive(envPtrs)
	return stepError(StepExec, fmt.Errorf("execve %s: %w", req.Interpreter, errno))
}

func buildFilesystem(req *InitRequest) error {
	root := req.RootDir

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return stepError(StepFilesystem, fmt.Errorf("make mounts private: %w", err))
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, rootTmpfsOptions); err != nil {
		return stepError(StepFilesystem, fmt.Errorf("mount root tmpfs: %w", err))
	}

	for _, m := range req.RuntimeMounts {
		source := filepath.Join(req.RuntimeRoot, m)
		if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
			// /lib64 and friends are absent on some distributions.
			continue
		}
		if err := bindReadOnly(source, filepath.Join(root, m), unix.MS_NOSUID|unix.MS_NODEV); err != nil {
			return stepError(StepFilesystem, err)
		}
	}

	for _, dev := range req.Devices {
		if err := bindReadOnly(dev, filepath.Join(root, dev), unix.MS_NOSUID|unix.MS_NOEXEC); err != nil {
			return stepError(StepFilesystem, err)
		}
	}

	if err := buildScratch(req); err != nil {
		return stepError(StepScratch, err)
	}

	if err := unix.Mount("", root, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, rootTmpfsOptions); err != nil {
		return stepError(StepFilesystem, fmt.Errorf("remount root read-only: %w", err))
	}
	if err := unix.Chroot(root); err != nil {
		return stepError(StepFilesystem, fmt.Errorf("chroot: %w", err))
	}
	if err := os.Chdir(ScratchDir); err != nil {
		return stepError(StepFilesystem, fmt.Errorf("chdir scratch: %w", err))
	}
	return nil
}

func buildScratch(req *InitRequest) error {
	target := filepath.Join(req.RootDir, ScratchDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir scratch: %w", err)
	}
	opts := fmt.Sprintf("size=%d,mode=0700,uid=%d,gid=%d", req.ScratchBytes, req.UID, req.GID)
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, opts); err != nil {
		return fmt.Errorf("mount scratch tmpfs: %w", err)
	}
	codePath := filepath.Join(target, CodeFile)
	if err := os.WriteFile(codePath, req.Code, 0o400); err != nil {
		return fmt.Errorf("write code: %w", err)
	}
	if err := os.Chown(codePath, req.UID, req.GID); err != nil {
		return fmt.Errorf("chown code: %w", err)
	}
	return nil
}

func bindReadOnly(source, target string, flags uintptr) error {
	if err := ensureMountTarget(source, target); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s: %w", source, err)
	}
	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|flags, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(l Limits) error {
	limits := []struct {
		name     string
		resource int
		cur, max uint64
	}{
		{"core", unix.RLIMIT_CORE, 0, 0},
		{"cpu", unix.RLIMIT_CPU, l.CPUTimeSeconds, l.CPUTimeSeconds + 1},
		{"fsize", unix.RLIMIT_FSIZE, l.FileSizeBytes, l.FileSizeBytes},
		{"nproc", unix.RLIMIT_NPROC, l.Processes, l.Processes},
		{"nofile", unix.RLIMIT_NOFILE, l.OpenFiles, l.OpenFiles},
		// Last: the helper must not map memory after this.
		{"as", unix.RLIMIT_AS, l.AddressSpaceBytes, l.AddressSpaceBytes},
	}
	for _, lim := range limits {
		if err := unix.Setrlimit(lim.resource, &unix.Rlimit{Cur: lim.cur, Max: lim.max}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", lim.name, err)
		}
	}
	return nil
}

// dropPrivileges uses the syscall package wrappers, which apply the change
// to every thread of the process.
func dropPrivileges(uid, gid int) error {
	if err := syscall.Setgroups([]int{}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	if os.Geteuid() == 0 || os.Getegid() == 0 {
		return fmt.Errorf("privileges still held after drop")
	}
	return nil
}
