package types

import (
	"time"
)

// Phase represents a container's position in the lifecycle state machine
type Phase string

const (
	PhaseCreated Phase = "created"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
	PhaseDeleted Phase = "deleted"
)

// CPUQuota is a CFS bandwidth limit: Quota microseconds of CPU time per
// Period microseconds of wall time
type CPUQuota struct {
	QuotaUs  int64 `json:"quota_us"`
	PeriodUs int64 `json:"period_us"`
}

// Resources carries the resource limits applied to a container's cgroup.
// Nil fields mean "no limit requested"; the effective limit is always the
// minimum of this cgroup's limit and all ancestor limits.
type Resources struct {
	MemoryMaxBytes *uint64   `json:"memory_max_bytes,omitempty"`
	CPU            *CPUQuota `json:"cpu,omitempty"`
	PidsMax        *int64    `json:"pids_max,omitempty"`
}

// Container is the persistent record of a container tracked by the
// lifecycle manager. It is the sole owner of the live OS process handle;
// Pid is zero until the container has been started.
type Container struct {
	ID         string     `json:"id"`
	BundlePath string     `json:"bundle_path"`
	CgroupPath string     `json:"cgroup_path"`
	Resources  *Resources `json:"resources,omitempty"`
	Pid        int        `json:"pid,omitempty"`
	Phase      Phase      `json:"phase"`
	ExitStatus int        `json:"exit_status"`
	Exited     bool       `json:"exited"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}
