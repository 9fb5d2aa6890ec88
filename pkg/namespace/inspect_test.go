package namespace

import (
	"errors"
	"os"
	"regexp"
	"testing"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// TestInspectSelf tests resolving this process's own namespace links
func TestInspectSelf(t *testing.T) {
	links, err := Inspect(0)
	if err != nil {
		t.Fatalf("Inspect(0) = %v", err)
	}
	if len(links) == 0 {
		t.Fatal("Inspect(0) returned no links")
	}

	// Targets carry the kernel's "<type>:[<inode>]" identity form.
	identity := regexp.MustCompile(`^[a-z_]+:\[\d+\]$`)
	seen := make(map[string]bool)
	for _, l := range links {
		if !identity.MatchString(l.Target) {
			t.Errorf("link %s has unexpected target %q", l.Name, l.Target)
		}
		seen[l.Name] = true
	}
	for _, name := range []string{"pid", "mnt", "uts", "ipc", "net", "user"} {
		if !seen[name] {
			t.Errorf("Inspect(0) missing %q", name)
		}
	}
}

// TestInspectSorted tests the stable output ordering
func TestInspectSorted(t *testing.T) {
	links, err := Inspect(os.Getpid())
	if err != nil {
		t.Fatalf("Inspect = %v", err)
	}
	for i := 1; i < len(links); i++ {
		if links[i-1].Name >= links[i].Name {
			t.Errorf("links not sorted: %q before %q", links[i-1].Name, links[i].Name)
		}
	}
}

// TestInspectMissingProcess tests NotFound for dead pids
func TestInspectMissingProcess(t *testing.T) {
	// Pid 1 exists; this one cannot (beyond the default pid_max).
	if _, err := Inspect(4999999); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Inspect(bogus pid) = %v, want ErrNotFound", err)
	}
}

// TestSharedWithSelf tests the identity comparison through two pid views
// of the same process
func TestSharedWithSelf(t *testing.T) {
	for _, kind := range []Kind{KindPid, KindNet, KindMount} {
		shared, err := Shared(0, os.Getpid(), kind)
		if err != nil {
			t.Fatalf("Shared(self, self, %s) = %v", kind, err)
		}
		if !shared {
			t.Errorf("Shared(self, self, %s) = false, want true", kind)
		}
	}
}

// TestReadlinkMatchesInspect tests the single-kind accessor against the
// full listing
func TestReadlinkMatchesInspect(t *testing.T) {
	links, err := Inspect(0)
	if err != nil {
		t.Fatalf("Inspect = %v", err)
	}
	byName := make(map[string]string)
	for _, l := range links {
		byName[l.Name] = l.Target
	}

	target, err := Readlink(0, KindNet)
	if err != nil {
		t.Fatalf("Readlink(net) = %v", err)
	}
	if target != byName["net"] {
		t.Errorf("Readlink(net) = %q, Inspect says %q", target, byName["net"])
	}
}
