// Package jail seals the containment context a sandboxed process runs in.
//
// The jail package holds the child side of the jail: the code that runs
// inside freshly created namespaces, before any untrusted byte executes, and
// turns an InitRequest into a sealed process. Seal applies, in a fixed and
// irreversible order, the filesystem view (a private tmpfs root with
// read-only runtime bind mounts and a per-execution scratch tmpfs), the
// resource ceilings, the privilege drop and finally the seccomp allow-list,
// then replaces itself with the interpreter.
//
// Any failure before execve is reported as a SetupError on the status
// descriptor. A status stream that reaches EOF without data means execve
// succeeded.
//
// Usage (from the helper binary):
//
//	req, err := jail.ReadRequest(os.NewFile(jail.RequestFD, "request"))
//	if err == nil {
//	    err = jail.Seal(req) // only returns on failure
//	}
//	jail.ReportError(os.NewFile(jail.StatusFD, "status"), err)
package jail
