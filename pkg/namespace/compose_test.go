package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ipdelete/contain/pkg/cgroup"
	"github.com/ipdelete/contain/pkg/errdefs"
)

const childModeEnv = "CONTAIN_TEST_CHILD"

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}
}

// TestChildProcess is not a test: it is the child half of the handshake
// tests below, entered by re-executing the test binary. It speaks the
// init entrypoint's pipe contract (config on fd 3, status on fd 4,
// release on fd 5) without doing any namespace work.
func TestChildProcess(t *testing.T) {
	mode := os.Getenv(childModeEnv)
	if mode == "" {
		t.Skip("not running as handshake child")
	}
	config := os.NewFile(configFD, "config")
	status := os.NewFile(statusFD, "status")
	release := os.NewFile(releaseFD, "release")

	switch mode {
	case "ready":
		if _, err := io.ReadAll(config); err != nil {
			os.Exit(1)
		}
		if err := json.NewEncoder(status).Encode(initStatus{Stage: StageSync}); err != nil {
			os.Exit(1)
		}
		status.Close()
		buf := make([]byte, 1)
		if _, err := release.Read(buf); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case "setup-failure":
		_ = json.NewEncoder(status).Encode(initStatus{
			Stage: StagePivotRoot,
			Error: "pivot_root: no such file or directory",
		})
		os.Exit(1)
	case "silent-death":
		os.Exit(3)
	case "report-pid":
		if _, err := io.ReadAll(config); err != nil {
			os.Exit(1)
		}
		_ = json.NewEncoder(status).Encode(initStatus{Stage: fmt.Sprintf("pid:%d", os.Getpid())})
		status.Close()
		buf := make([]byte, 1)
		if _, err := release.Read(buf); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func testComposer(mode string, t *testing.T) *Composer {
	t.Helper()
	t.Setenv(childModeEnv, mode)
	return NewComposer("/proc/self/exe", "-test.run=^TestChildProcess$")
}

// TestComposeValidation tests the pre-fork configuration checks
func TestComposeValidation(t *testing.T) {
	c := NewComposer("/proc/self/exe", "init")

	if _, err := c.Compose(NewSet(), nil); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(nil config) = %v, want ErrInvalidSpec", err)
	}
	if _, err := c.Compose(NewSet(), &InitConfig{}); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(no args) = %v, want ErrInvalidSpec", err)
	}
}

// TestComposeRequiresMountNamespaceForRootfs tests that a rootfs pivot
// without a mount namespace is rejected before any fork: pivoting in the
// host's shared mount tree would leak the rootfs bind mount host-wide
func TestComposeRequiresMountNamespaceForRootfs(t *testing.T) {
	c := NewComposer("/proc/self/exe", "init")

	cfg := &InitConfig{Args: []string{"sh"}, Rootfs: "/tmp/b1/rootfs"}
	if _, err := c.Compose(NewSet(), cfg); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(rootfs, no mnt) = %v, want ErrInvalidSpec", err)
	}

	// Any set without a mount namespace is equally rejected.
	set := NewSet()
	if err := set.Create(KindPid); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compose(set, cfg); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(rootfs, pid only) = %v, want ErrInvalidSpec", err)
	}

	// With a mount namespace the same config passes validation; the
	// fork itself may still fail without privileges.
	if err := set.Create(KindMount); err != nil {
		t.Fatal(err)
	}
	handle, err := NewComposer("/bin/false").Compose(set, cfg)
	if errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(rootfs, pid+mnt) = %v, want no InvalidSpec", err)
	}
	if err == nil {
		_, _ = handle.Wait()
	}
}

// TestComposeRejectsPidNamespaceJoin tests that joining an existing pid
// namespace fails loudly instead of silently leaving the container
// process in its original one
func TestComposeRejectsPidNamespaceJoin(t *testing.T) {
	set := NewSet()
	if err := set.Join(KindPid, selfNsPath(KindPid)); err != nil {
		t.Fatalf("Join = %v", err)
	}

	c := NewComposer("/proc/self/exe", "init")
	if _, err := c.Compose(set, &InitConfig{Args: []string{"sh"}}); !errors.Is(err, errdefs.ErrInvalidSpec) {
		t.Errorf("Compose(pid join) = %v, want ErrInvalidSpec", err)
	}
}

// TestComposeHandshake tests the full parent-side protocol against a
// cooperative child: fork, await readiness, release, reap
func TestComposeHandshake(t *testing.T) {
	c := testComposer("ready", t)

	handle, err := c.Compose(NewSet(), &InitConfig{Args: []string{"true"}})
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	if handle.Pid() <= 0 {
		t.Errorf("Pid() = %d, want a live pid", handle.Pid())
	}
	if err := handle.AwaitReady(); err != nil {
		t.Fatalf("AwaitReady = %v", err)
	}
	// The child is parked between AwaitReady and Release; this window
	// is where a real caller attaches the pid to its cgroup.
	if err := handle.Signal(0); err != nil {
		t.Errorf("Signal(0) on parked child = %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
	status, err := handle.Wait()
	if err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if status != 0 {
		t.Errorf("Wait = %d, want 0", status)
	}
}

// TestComposeChildSetupFailure tests that a relayed stage failure
// surfaces as ChildSetupFailed naming the stage
func TestComposeChildSetupFailure(t *testing.T) {
	c := testComposer("setup-failure", t)

	handle, err := c.Compose(NewSet(), &InitConfig{Args: []string{"true"}})
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	err = handle.AwaitReady()
	if !errors.Is(err, errdefs.ErrChildSetup) {
		t.Fatalf("AwaitReady = %v, want ErrChildSetup", err)
	}
	if !strings.Contains(err.Error(), StagePivotRoot) {
		t.Errorf("error %q does not name the failing stage", err.Error())
	}
}

// TestComposeChildSilentDeath tests that a child dying without a status
// is reaped and reported, never deadlocking the parent
func TestComposeChildSilentDeath(t *testing.T) {
	c := testComposer("silent-death", t)

	handle, err := c.Compose(NewSet(), &InitConfig{Args: []string{"true"}})
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	err = handle.AwaitReady()
	if !errors.Is(err, errdefs.ErrChildSetup) {
		t.Fatalf("AwaitReady = %v, want ErrChildSetup", err)
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("error %q does not carry the exit status", err.Error())
	}
}

// TestComposeDerivesChildFlags tests the config fields Compose fills in
// from the namespace set
func TestComposeDerivesChildFlags(t *testing.T) {
	set := NewSet()
	for _, kind := range []Kind{KindPid, KindMount, KindUts} {
		if err := set.Create(kind); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &InitConfig{Args: []string{"true"}, Hostname: "box"}
	c := testComposer("ready", t)
	handle, err := c.Compose(set, cfg)
	if err != nil {
		t.Skipf("cannot create namespaces here: %v", err)
	}
	defer func() {
		_ = handle.Release()
		_, _ = handle.Wait()
	}()

	if !cfg.MountProc {
		t.Error("MountProc = false with new pid+mnt namespaces, want true")
	}
	if !cfg.PrivatizeMounts {
		t.Error("PrivatizeMounts = false with mnt namespace, want true")
	}
	if cfg.Hostname != "box" {
		t.Errorf("Hostname = %q, want box (uts namespace present)", cfg.Hostname)
	}
	if err := handle.AwaitReady(); err != nil {
		t.Fatalf("AwaitReady = %v", err)
	}
}

// TestComposeClearsHostnameWithoutUTS tests that a hostname is dropped
// rather than leaked onto the host
func TestComposeClearsHostnameWithoutUTS(t *testing.T) {
	cfg := &InitConfig{Args: []string{"true"}, Hostname: "box"}
	c := testComposer("ready", t)
	handle, err := c.Compose(NewSet(), cfg)
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	defer func() {
		_ = handle.AwaitReady()
		_ = handle.Release()
		_, _ = handle.Wait()
	}()

	if cfg.Hostname != "" {
		t.Errorf("Hostname = %q without uts namespace, want cleared", cfg.Hostname)
	}
}

// TestComposeChildIsPidOne tests that a child composed with a fresh pid
// namespace sees itself as pid 1, while the parent's own pid and
// namespace membership are untouched
func TestComposeChildIsPidOne(t *testing.T) {
	requireRoot(t)

	parentPid := os.Getpid()
	parentNs, err := Readlink(0, KindPid)
	if err != nil {
		t.Fatalf("Readlink(self) = %v", err)
	}

	set := NewSet()
	if err := set.Create(KindPid); err != nil {
		t.Fatal(err)
	}
	c := testComposer("report-pid", t)
	handle, err := c.Compose(set, &InitConfig{Args: []string{"true"}})
	if errors.Is(err, errdefs.ErrPermissionDenied) {
		t.Skipf("cannot create pid namespace here: %v", err)
	}
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	defer func() {
		_ = handle.Release()
		_, _ = handle.Wait()
	}()

	var st initStatus
	if err := json.NewDecoder(handle.status).Decode(&st); err != nil {
		t.Fatalf("decode child status = %v", err)
	}
	if st.Stage != "pid:1" {
		t.Errorf("child reports %q, want pid:1", st.Stage)
	}

	if os.Getpid() != parentPid {
		t.Errorf("parent pid changed: %d -> %d", parentPid, os.Getpid())
	}
	after, err := Readlink(0, KindPid)
	if err != nil {
		t.Fatalf("Readlink(self) after compose = %v", err)
	}
	if after != parentNs {
		t.Errorf("parent pid namespace changed: %q -> %q", parentNs, after)
	}
}

// TestComposePidNamespacesDistinct tests that two independently composed
// pid namespaces have different identities, and both differ from the
// composer's own
func TestComposePidNamespacesDistinct(t *testing.T) {
	requireRoot(t)

	compose := func() *ChildHandle {
		set := NewSet()
		if err := set.Create(KindPid); err != nil {
			t.Fatal(err)
		}
		c := testComposer("ready", t)
		handle, err := c.Compose(set, &InitConfig{Args: []string{"true"}})
		if errors.Is(err, errdefs.ErrPermissionDenied) {
			t.Skipf("cannot create pid namespace here: %v", err)
		}
		if err != nil {
			t.Fatalf("Compose = %v", err)
		}
		if err := handle.AwaitReady(); err != nil {
			t.Fatalf("AwaitReady = %v", err)
		}
		return handle
	}

	a := compose()
	defer func() {
		_ = a.Release()
		_, _ = a.Wait()
	}()
	b := compose()
	defer func() {
		_ = b.Release()
		_, _ = b.Wait()
	}()

	nsA, err := Readlink(a.Pid(), KindPid)
	if err != nil {
		t.Fatalf("Readlink(child a) = %v", err)
	}
	nsB, err := Readlink(b.Pid(), KindPid)
	if err != nil {
		t.Fatalf("Readlink(child b) = %v", err)
	}
	nsSelf, err := Readlink(0, KindPid)
	if err != nil {
		t.Fatalf("Readlink(self) = %v", err)
	}

	if nsA == nsB {
		t.Errorf("two composed pid namespaces share identity %q", nsA)
	}
	if nsA == nsSelf || nsB == nsSelf {
		t.Errorf("composed namespace matches the composer's own (%q, %q vs %q)", nsA, nsB, nsSelf)
	}
}

// TestParkedChildVisibleInCgroup tests the window the handshake exists
// for: a parked child's pid can be attached to a cgroup and is listed in
// its cgroup.procs before the child has executed any user code
func TestParkedChildVisibleInCgroup(t *testing.T) {
	requireRoot(t)
	if _, err := os.Stat(filepath.Join(cgroup.DefaultRoot, "cgroup.controllers")); err != nil {
		t.Skip("cgroup v2 unified hierarchy not mounted")
	}

	ctrl := cgroup.NewController("")
	const cgPath = "contain-test-parked"
	if err := ctrl.Create(cgPath); err != nil {
		t.Fatalf("cgroup create = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Delete(cgPath) })

	c := testComposer("ready", t)
	handle, err := c.Compose(NewSet(), &InitConfig{Args: []string{"true"}})
	if err != nil {
		t.Fatalf("Compose = %v", err)
	}
	if err := handle.AwaitReady(); err != nil {
		t.Fatalf("AwaitReady = %v", err)
	}

	// The child is parked on its release pipe; nothing it will exec has
	// run yet. Attach and verify membership before releasing.
	if err := ctrl.Attach(cgPath, handle.Pid()); err != nil {
		t.Fatalf("Attach = %v", err)
	}
	pids, err := ctrl.Procs(cgPath)
	if err != nil {
		t.Fatalf("Procs = %v", err)
	}
	found := false
	for _, pid := range pids {
		if pid == handle.Pid() {
			found = true
		}
	}
	if !found {
		t.Fatalf("parked child %d not in cgroup.procs %v", handle.Pid(), pids)
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
	if _, err := handle.Wait(); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}
