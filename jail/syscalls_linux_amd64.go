package jail

// archAllowed holds legacy syscalls only present on x86_64.
var archAllowed = []string{
	"stat", "lstat", "access", "readlink", "getdents", "arch_prctl", "poll", "select", "time",
}
