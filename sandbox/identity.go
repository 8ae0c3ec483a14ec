package sandbox

import (
	"os/user"
	"strconv"
)

// SandboxIdentity is the unprivileged uid/gid an execution runs as.
type SandboxIdentity struct {
	UID int
	GID int
}

// overflowID is the kernel's conventional "nobody".
const overflowID = 65534

var fallbackAccounts = []string{"nobody", "www-data", "daemon"}

// identityForSlot derives the identity of one execution. With a uid base
// every admission slot maps to its own uid, so no two live executions share
// one. Without it all executions share the fallback account.
func identityForSlot(uidBase, slot int, fallback SandboxIdentity) SandboxIdentity {
	if uidBase <= 0 {
		return fallback
	}
	return SandboxIdentity{UID: uidBase + slot, GID: uidBase + slot}
}

// LookupFallbackIdentity returns the first conventional unprivileged
// account found on the host, or 65534.
func LookupFallbackIdentity() SandboxIdentity {
	for _, name := range fallbackAccounts {
		u, err := user.Lookup(name)
		if err != nil {
			continue
		}
		uid, uidErr := strconv.Atoi(u.Uid)
		gid, gidErr := strconv.Atoi(u.Gid)
		if uidErr != nil || gidErr != nil || uid == 0 || gid == 0 {
			continue
		}
		return SandboxIdentity{UID: uid, GID: gid}
	}
	return SandboxIdentity{UID: overflowID, GID: overflowID}
}
