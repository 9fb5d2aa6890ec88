/*
Package namespace composes Linux namespaces for container processes.

A Set describes, per namespace kind (pid, mnt, uts, ipc, net, user, cgroup,
time), whether to create a fresh namespace or join an existing one through a
/proc/<pid>/ns file. Compose turns a Set into a running child: every
create-new flag is passed to the kernel in one atomic clone request, so the
new namespaces become visible together, never incrementally.

# The fork boundary

Go's multithreaded runtime cannot fork and keep running, so the classic
parent/child dual return of fork(2) is modeled as a re-exec: Compose starts
/proc/self/exe with a hidden init argv and CLONE_NEW* flags on SysProcAttr,
and the two branches become two functions in two processes. The parent gets
a ChildHandle wrapping the child's PID; the child enters RunInit, which
never returns to ordinary code. The parent's own namespace membership is
never touched: requesting a PID namespace affects only the child.

# Child setup order

RunInit performs, in order: join requested namespaces (user namespace
first), make the mount tree private (MS_PRIVATE|MS_REC) so mount events
stop propagating to the host, pivot into the rootfs when one is given,
mount a fresh /proc when a PID namespace was created, set the hostname when
a UTS namespace exists, and bring the loopback interface up when a network
namespace was created. It then parks on the release pipe before exec; the
parent uses that window to attach the child's PID to its cgroup, closing
the race where an unattached child could already be spawning work.

A child that fails any stage reports the stage over its status pipe and
exits non-zero; the parent reaps it in AwaitReady and surfaces
ChildSetupFailed, so a dying child never becomes an orphan and never
deadlocks the parent.
*/
package namespace
