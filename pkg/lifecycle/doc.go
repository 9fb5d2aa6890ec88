// Package lifecycle drives containers through their state machine:
// Created -> Running -> Stopped -> Deleted.
//
// Create provisions the cgroup and records the container without
// starting a process. Start composes the namespaces, attaches the
// parked child to the cgroup from the parent side, and only then
// releases it to exec, so the workload never runs outside its limits.
// Delete removes the cgroup and the record; a start failure after the
// cgroup exists deliberately leaves the cgroup in place so it can be
// inspected before deletion.
//
// Records are persisted in a bolt database so separate CLI invocations
// observe the same containers. A Running record whose process has
// since vanished is reconciled to Stopped on read.
package lifecycle
