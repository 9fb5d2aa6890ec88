package namespace

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// Kind identifies one Linux namespace type.
type Kind string

const (
	KindPid    Kind = "pid"
	KindMount  Kind = "mnt"
	KindUts    Kind = "uts"
	KindIpc    Kind = "ipc"
	KindNet    Kind = "net"
	KindUser   Kind = "user"
	KindCgroup Kind = "cgroup"
	KindTime   Kind = "time"
)

// Kinds lists every namespace kind this runtime understands.
var Kinds = []Kind{KindPid, KindMount, KindUts, KindIpc, KindNet, KindUser, KindCgroup, KindTime}

var cloneFlags = map[Kind]uintptr{
	KindPid:    unix.CLONE_NEWPID,
	KindMount:  unix.CLONE_NEWNS,
	KindUts:    unix.CLONE_NEWUTS,
	KindIpc:    unix.CLONE_NEWIPC,
	KindNet:    unix.CLONE_NEWNET,
	KindUser:   unix.CLONE_NEWUSER,
	KindCgroup: unix.CLONE_NEWCGROUP,
	KindTime:   unix.CLONE_NEWTIME,
}

var ociTypes = map[specs.LinuxNamespaceType]Kind{
	specs.PIDNamespace:     KindPid,
	specs.MountNamespace:   KindMount,
	specs.UTSNamespace:     KindUts,
	specs.IPCNamespace:     KindIpc,
	specs.NetworkNamespace: KindNet,
	specs.UserNamespace:    KindUser,
	specs.CgroupNamespace:  KindCgroup,
	specs.TimeNamespace:    KindTime,
}

// CloneFlag returns the CLONE_NEW* bit for the kind.
func (k Kind) CloneFlag() uintptr {
	return cloneFlags[k]
}

// ProcFile returns the name of the namespace file under /proc/<pid>/ns.
func (k Kind) ProcFile() string {
	return string(k)
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// KindFromOCI maps an OCI config.json namespace type to a Kind.
func KindFromOCI(t specs.LinuxNamespaceType) (Kind, error) {
	k, ok := ociTypes[t]
	if !ok {
		return "", errdefs.InvalidSpec("linux.namespaces.type", fmt.Sprintf("unknown namespace type %q", t))
	}
	return k, nil
}
