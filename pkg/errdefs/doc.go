/*
Package errdefs defines the error taxonomy shared by all contain packages.

Low-level OS errors (errno) are translated into one of these kinds at the
boundary where they occur and never propagate as opaque syscall errors past
the component that produced them. Each kind pairs a sentinel (for errors.Is
branching) with a concrete type carrying context:

  - PermissionDenied: missing capability or root; names the operation and
    suggests elevation
  - NotFound: namespace file, cgroup path, bundle path, or PID missing
  - AlreadyExists: bundle init or cgroup create hit an existing path
  - Busy: cgroup deletion blocked by attached processes or children, or
    controller enablement blocked by the internal-process rule
  - InvalidSpec: malformed or missing bundle config field
  - InvalidState: lifecycle operation attempted in the wrong phase
  - ChildSetupFailed: a composed child died during post-fork setup; derived
    by the parent from the child's exit status

Typical usage:

	if err := cg.Delete(path); errors.Is(err, errdefs.ErrBusy) {
		// reap attached processes and retry
	}
*/
package errdefs
