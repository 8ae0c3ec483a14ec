package sandbox

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/jail"
)

// Capabilities describes whether this host can run jails.
type Capabilities struct {
	// Linux is true on linux, the only platform with the namespaces we need.
	Linux bool

	// Root is true when running with euid 0. Mounting, chroot and the
	// identity switch all need it.
	Root bool

	// HelperAvailable is true if the jail helper binary exists.
	HelperAvailable bool

	// HelperPath is the resolved helper path.
	HelperPath string

	// InterpreterAvailable is true if the interpreter exists.
	InterpreterAvailable bool

	// SeccompAvailable is true if the kernel supports seccomp filters.
	SeccompAvailable bool

	// PolicyValid is true if the configured allow-list assembles.
	PolicyValid bool
}

// DetectCapabilities checks what the jail needs on this host.
func DetectCapabilities(cfg config.JailConfig) *Capabilities {
	caps := &Capabilities{
		Linux: runtime.GOOS == "linux",
		Root:  os.Geteuid() == 0,
	}

	if path, err := exec.LookPath(cfg.HelperPath); err == nil {
		caps.HelperAvailable = true
		caps.HelperPath = path
	}

	if info, err := os.Stat(cfg.Interpreter); err == nil && !info.IsDir() {
		caps.InterpreterAvailable = true
	}

	caps.SeccompAvailable = checkSeccomp()

	if spec, err := jail.LoadPolicySpec(cfg.SeccompPolicyFile); err == nil {
		spec.AllowScratchWrites = spec.AllowScratchWrites || cfg.AllowScratchWrites
		caps.PolicyValid = jail.ValidatePolicy(spec) == nil
	}

	return caps
}

// CanRunJail returns true if executions can be launched.
func (c *Capabilities) CanRunJail() bool {
	return c.SkipReason() == ""
}

// checkSeccomp reads the Seccomp field the kernel exposes for every task.
func checkSeccomp() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	for line := range strings.SplitSeq(string(data), "\n") {
		if strings.HasPrefix(line, "Seccomp:") {
			return true
		}
	}
	return false
}

// SkipReason returns a human-readable reason why jails can't run here,
// or empty string if they can.
func (c *Capabilities) SkipReason() string {
	switch {
	case !c.Linux:
		return "jails require linux"
	case !c.Root:
		return "jails require root to mount, chroot and switch identity"
	case !c.HelperAvailable:
		return "jail helper binary not found"
	case !c.InterpreterAvailable:
		return "interpreter not found"
	case !c.SeccompAvailable:
		return "kernel has no seccomp support"
	case !c.PolicyValid:
		return "seccomp policy does not assemble"
	}
	return ""
}
