package namespace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// selfNsPath returns this process's own namespace file for kind, a
// guaranteed-valid join target.
func selfNsPath(kind Kind) string {
	return filepath.Join("/proc/self/ns", kind.ProcFile())
}

// TestKindFromOCI tests the OCI type mapping, including the mnt rename
func TestKindFromOCI(t *testing.T) {
	tests := []struct {
		ociType specs.LinuxNamespaceType
		want    Kind
	}{
		{specs.PIDNamespace, KindPid},
		{specs.MountNamespace, KindMount},
		{specs.UTSNamespace, KindUts},
		{specs.IPCNamespace, KindIpc},
		{specs.NetworkNamespace, KindNet},
		{specs.UserNamespace, KindUser},
		{specs.CgroupNamespace, KindCgroup},
		{specs.TimeNamespace, KindTime},
	}
	for _, tt := range tests {
		got, err := KindFromOCI(tt.ociType)
		if err != nil {
			t.Errorf("KindFromOCI(%q) = %v", tt.ociType, err)
			continue
		}
		if got != tt.want {
			t.Errorf("KindFromOCI(%q) = %q, want %q", tt.ociType, got, tt.want)
		}
	}

	if _, err := KindFromOCI("bogus"); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("KindFromOCI(bogus) = %v, want ErrInvalidSpec", err)
	}
}

// TestProcFileMatchesKernelNames tests that every kind names a real
// entry under /proc/self/ns
func TestProcFileMatchesKernelNames(t *testing.T) {
	for _, kind := range Kinds {
		if kind == KindTime {
			// Not present on kernels without CONFIG_TIME_NS.
			if _, err := os.Stat(selfNsPath(kind)); err != nil {
				t.Skipf("time namespace not supported: %v", err)
			}
		}
		if _, err := os.Stat(selfNsPath(kind)); err != nil {
			t.Errorf("namespace file for %q missing: %v", kind, err)
		}
	}
}

// TestCloneFlagsUnion tests that only create-new entries contribute bits
func TestCloneFlagsUnion(t *testing.T) {
	set := NewSet()
	if set.CloneFlags() != 0 {
		t.Errorf("empty set CloneFlags = %#x, want 0", set.CloneFlags())
	}

	if err := set.Create(KindPid); err != nil {
		t.Fatal(err)
	}
	if err := set.Create(KindUts); err != nil {
		t.Fatal(err)
	}
	if err := set.Join(KindNet, selfNsPath(KindNet)); err != nil {
		t.Fatal(err)
	}

	want := uintptr(unix.CLONE_NEWPID | unix.CLONE_NEWUTS)
	if got := set.CloneFlags(); got != want {
		t.Errorf("CloneFlags = %#x, want %#x", got, want)
	}
}

// TestDuplicateKindRejected tests the one-entry-per-kind invariant
func TestDuplicateKindRejected(t *testing.T) {
	set := NewSet()
	if err := set.Create(KindPid); err != nil {
		t.Fatal(err)
	}
	if err := set.Create(KindPid); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("duplicate Create = %v, want ErrInvalidSpec", err)
	}
	if err := set.Join(KindPid, selfNsPath(KindPid)); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Join after Create of same kind = %v, want ErrInvalidSpec", err)
	}
}

// TestJoinMissingPath tests validation of the namespace file at add time
func TestJoinMissingPath(t *testing.T) {
	set := NewSet()
	err := set.Join(KindNet, "/run/contain/netns/no-such-ns")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Join(missing) = %v, want ErrNotFound", err)
	}
	if set.Contains(KindNet) {
		t.Error("failed Join left an entry in the set")
	}
}

// TestJoinsOrderedUserFirst tests that the user namespace is joined
// before any other so capabilities are in place for the rest
func TestJoinsOrderedUserFirst(t *testing.T) {
	set := NewSet()
	// Added in the wrong order on purpose.
	for _, kind := range []Kind{KindNet, KindIpc, KindUser, KindUts} {
		if err := set.Join(kind, selfNsPath(kind)); err != nil {
			t.Fatalf("Join(%s) = %v", kind, err)
		}
	}

	joins := set.Joins()
	if len(joins) != 4 {
		t.Fatalf("len(Joins) = %d, want 4", len(joins))
	}
	if joins[0].Kind != KindUser {
		t.Errorf("Joins[0].Kind = %q, want %q", joins[0].Kind, KindUser)
	}
}

// TestSetFromOCI tests building a set from a bundle's namespace array
func TestSetFromOCI(t *testing.T) {
	set, err := SetFromOCI([]specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.NetworkNamespace, Path: selfNsPath(KindNet)},
	})
	if err != nil {
		t.Fatalf("SetFromOCI = %v", err)
	}
	if !set.Creates(KindPid) || !set.Creates(KindMount) {
		t.Error("pid and mnt should be create-new entries")
	}
	if set.Creates(KindNet) {
		t.Error("net should be a join entry, not create-new")
	}
	if !set.Contains(KindNet) {
		t.Error("net entry missing")
	}
	if set.Len() != 3 {
		t.Errorf("Len = %d, want 3", set.Len())
	}

	if _, err := SetFromOCI([]specs.LinuxNamespace{{Type: "bogus"}}); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("SetFromOCI(bogus type) = %v, want ErrInvalidSpec", err)
	}
	if _, err := SetFromOCI([]specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.PIDNamespace},
	}); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("SetFromOCI(duplicate) = %v, want ErrInvalidSpec", err)
	}
}
