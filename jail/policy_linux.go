//go:build linux

package jail

import (
	"fmt"
	"slices"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/sys/unix"
)

// baseAllowed is the minimum needed for the interpreter to start, read its
// standard library from the read-only runtime image, write to the inherited
// stdout/stderr descriptors and exit.
var baseAllowed = []string{
	"read", "readv", "pread64", "write", "writev", "pwrite64",
	"lseek", "close", "fstat", "newfstatat", "statx", "getdents64",
	"readlinkat", "faccessat", "faccessat2", "fcntl", "ioctl",
	"mmap", "mprotect", "munmap", "mremap", "brk", "madvise",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"getcwd", "getpid", "gettid", "getppid", "getuid", "geteuid", "getgid", "getegid",
	"getrandom", "futex", "set_tid_address", "set_robust_list", "rseq",
	"uname", "sysinfo", "clock_gettime", "clock_getres", "clock_nanosleep", "nanosleep",
	"gettimeofday", "sched_getaffinity", "sched_yield", "tgkill", "getrusage",
	"exit", "exit_group",
}

// guarded are allowed by the allow-list filter and narrowed by a guard
// filter stacked on top of it.
var guarded = []string{"execve", "clone", "prlimit64", "open", "openat"}

// scratchWrite is added when PolicySpec.AllowScratchWrites is set.
var scratchWrite = []string{
	"mkdirat", "unlinkat", "renameat", "renameat2", "ftruncate", "fsync", "fdatasync", "fchmod",
}

// writeFlags are the open(2) flags that need AllowScratchWrites.
var writeFlags = []uint64{unix.O_WRONLY, unix.O_RDWR, unix.O_CREAT, unix.O_TRUNC, unix.O_APPEND}

func errnoAction(errno unix.Errno) seccomp.Action {
	return seccomp.Action(uint32(seccomp.ActionErrno)&^0xffff | uint32(errno)&0xffff)
}

// BuildFilters returns the seccomp filters to load, in load order.
//
// The first filter is the allow-list; everything it does not name fails with
// EPERM. A policy's default action can only be a bare action, so each later
// filter holds a single rule and allows everything else. The kernel runs every loaded filter and keeps the most restrictive
// verdict, preferring the newest filter between two errno verdicts, so a
// guard can narrow an allowed call or replace the allow-list's EPERM with
// another errno.
//
// execPathPtr is the address of the interpreter path the helper will hand to
// execve; no other execve is permitted. Names the running architecture does
// not know are skipped.
func BuildFilters(spec PolicySpec, execPathPtr uint64) ([]seccomp.Policy, error) {
	info, err := arch.GetInfo("")
	if err != nil {
		return nil, fmt.Errorf("detect architecture: %w", err)
	}
	knows := func(name string) bool {
		_, ok := info.SyscallNames[name]
		return ok
	}

	base := append(slices.Clone(baseAllowed), archAllowed...)
	if spec.AllowScratchWrites {
		base = append(base, scratchWrite...)
	}
	allowed := spec.allowList(base)
	for _, name := range guarded {
		if !slices.Contains(spec.Deny, name) && !slices.Contains(allowed, name) {
			allowed = append(allowed, name)
		}
	}
	allowed = slices.DeleteFunc(allowed, func(name string) bool { return !knows(name) })

	filters := []seccomp.Policy{{
		DefaultAction: seccomp.ActionErrno,
		Syscalls: []seccomp.SyscallGroup{
			{Action: seccomp.ActionAllow, Names: allowed},
		},
	}}

	guard := func(action seccomp.Action, name string, cond seccomp.Condition) {
		if !knows(name) {
			return
		}
		filters = append(filters, seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: action,
				NamesWithCondtions: []seccomp.NameWithConditions{
					{Name: name, Conditions: seccomp.ArgumentConditions{cond}},
				},
			}},
		})
	}

	guard(seccomp.ActionErrno, "execve",
		seccomp.Condition{Argument: 0, Operation: seccomp.NotEqual, Value: execPathPtr})
	// Threads only; fork-style clones are refused.
	guard(seccomp.ActionErrno, "clone",
		seccomp.Condition{Argument: 0, Operation: seccomp.BitsNotSet, Value: unix.CLONE_THREAD})
	// Reading limits only; the new-limit pointer must be NULL.
	guard(seccomp.ActionErrno, "prlimit64",
		seccomp.Condition{Argument: 2, Operation: seccomp.NotEqual, Value: 0})

	if !spec.AllowScratchWrites {
		var mask uint64
		for _, flag := range writeFlags {
			mask |= flag
		}
		guard(errnoAction(unix.EACCES), "open",
			seccomp.Condition{Argument: 1, Operation: seccomp.BitsSet, Value: mask})
		guard(errnoAction(unix.EACCES), "openat",
			seccomp.Condition{Argument: 2, Operation: seccomp.BitsSet, Value: mask})
	}

	if knows("clone3") {
		// libc only falls back to clone(2) on ENOSYS.
		filters = append(filters, seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{Action: errnoAction(unix.ENOSYS), Names: []string{"clone3"}},
			},
		})
	}
	return filters, nil
}

// ValidatePolicy builds and assembles the filters without loading them.
func ValidatePolicy(spec PolicySpec) error {
	if err := spec.check(); err != nil {
		return err
	}
	filters, err := BuildFilters(spec, 0)
	if err != nil {
		return err
	}
	for i := range filters {
		if _, err := filters[i].Assemble(); err != nil {
			return fmt.Errorf("assemble seccomp filter %d: %w", i, err)
		}
	}
	return nil
}
