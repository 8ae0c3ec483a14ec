package jail

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// PolicySpec adjusts the built-in system-call allow-list. It is loaded by
// the server, validated, and shipped to the helper inside the InitRequest.
type PolicySpec struct {
	// AllowScratchWrites lets the untrusted process open files for writing.
	// Only the scratch tmpfs is writable, so this cannot reach the runtime
	// image or the host.
	AllowScratchWrites bool `json:"allow_scratch_writes" yaml:"allow_scratch_writes"`
	// Allow adds syscalls to the allow-list.
	Allow []string `json:"allow,omitempty" yaml:"allow"`
	// Deny removes syscalls from the allow-list.
	Deny []string `json:"deny,omitempty" yaml:"deny"`
}

// neverAllowed may not be re-enabled through a PolicySpec.
var neverAllowed = []string{
	"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
	"fork", "vfork", "execveat", "ptrace", "kill", "tkill",
	"mount", "umount2", "pivot_root", "chroot", "unshare", "setns",
	"setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid", "setgroups",
	"setrlimit", "prlimit64", "bpf", "perf_event_open", "keyctl", "add_key", "request_key",
	"init_module", "finit_module", "delete_module", "kexec_load", "reboot", "swapon", "swapoff",
}

// LoadPolicySpec reads a YAML policy override file.
func LoadPolicySpec(path string) (PolicySpec, error) {
	var spec PolicySpec
	if path == "" {
		return spec, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read seccomp policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse seccomp policy file: %w", err)
	}
	if err := spec.check(); err != nil {
		return spec, err
	}
	return spec, nil
}

func (s PolicySpec) check() error {
	for _, name := range s.Allow {
		if slices.Contains(neverAllowed, name) {
			return fmt.Errorf("syscall %q cannot be allowed", name)
		}
	}
	return nil
}

// allowList merges base with the spec's additions and removals.
func (s PolicySpec) allowList(base []string) []string {
	names := make([]string, 0, len(base)+len(s.Allow))
	for _, name := range append(slices.Clone(base), s.Allow...) {
		if slices.Contains(s.Deny, name) || slices.Contains(neverAllowed, name) || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	return names
}
