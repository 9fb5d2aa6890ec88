/*
Package cgroup manages cgroup v2 resource control as filesystem state.

The cgroup package represents cgroups purely as directories under a single
cgroup v2 mount root (normally /sys/fs/cgroup). Every operation is a
synchronous file read or write with no in-memory caching, so the kernel's
view and the controller's view can never diverge.

# Path convention

All cgroup paths are relative to the mount root. Absolute paths and parent
traversal are rejected with InvalidSpec so the two conventions can never be
mixed silently.

# Kernel rules surfaced

Two cgroup v2 rules show up as distinct error kinds rather than raw errnos:

  - Controllers must be listed in the parent's cgroup.subtree_control before
    a child cgroup can use them, and the kernel refuses that write while the
    parent has processes directly attached (the "no internal processes"
    rule). This surfaces as Busy with the rule named in the reason.
  - A cgroup with attached processes or child cgroups cannot be deleted;
    this also surfaces as Busy. Callers move or kill processes first and
    delete children depth-first.

The kernel rounds memory.max to page-size boundaries, so callers must not
assert exact byte equality on read-back.

# Ordering

Limits are applied before any process is attached. ApplyResources exists so
the lifecycle layer can enforce create → limit → attach as one sequence,
leaving no window where a container process runs unconstrained.
*/
package cgroup
