/*
Package types defines the core data structures used throughout contain.

This package contains the fundamental types that represent contain's domain
model: the container lifecycle record, its phase in the create/start/kill/
delete state machine, and the resource limits applied to its cgroup. These
types are shared by the lifecycle manager, the state store, and the CLI.
*/
package types
