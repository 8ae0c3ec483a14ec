// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code from many hosts at once. Each request is admitted against global and
// per-host ceilings, resolved into a ResourceLimitProfile, turned into a
// single-use SealedJail and launched through the jail helper, which applies
// namespaces, a read-only runtime view, resource limits, an unprivileged
// identity and a seccomp allow-list before exec'ing the interpreter.
//
// While the process runs, its output is drained into capped buffers and a
// supervisor enforces the wall clock, escalating from SIGTERM to SIGKILL.
// The process is always reaped before the ExecutionResult is returned, and
// every result carries exactly one TerminationReason.
//
// Usage:
//
//	dispatcher, err := sandbox.NewExecutor(logger, cfg, recorder)
//	result, err := dispatcher.Execute(ctx, sandbox.ExecutionRequest{
//	    Code:   "print('Hello, World!')",
//	    HostID: "host-a",
//	})
//	defer dispatcher.Shutdown(ctx)
package sandbox
