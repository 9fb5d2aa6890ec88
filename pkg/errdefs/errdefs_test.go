package errdefs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
)

// TestSentinelMatching tests that every constructor produces an error
// matching its sentinel and no other
func TestSentinelMatching(t *testing.T) {
	sentinels := []error{
		ErrPermissionDenied,
		ErrNotFound,
		ErrAlreadyExists,
		ErrBusy,
		ErrInvalidSpec,
		ErrInvalidState,
		ErrChildSetup,
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission denied", PermissionDenied("creating namespace"), ErrPermissionDenied},
		{"not found", NotFound("cgroup", "/sys/fs/cgroup/missing"), ErrNotFound},
		{"already exists", AlreadyExists("/tmp/bundle"), ErrAlreadyExists},
		{"busy", Busy("/sys/fs/cgroup/c1", "processes attached"), ErrBusy},
		{"invalid spec", InvalidSpec("process.args", "must not be empty"), ErrInvalidSpec},
		{"invalid state", InvalidState("created", "running"), ErrInvalidState},
		{"child setup", ChildSetup("pivot-root", "no such directory"), ErrChildSetup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.want)
			}
			for _, other := range sentinels {
				if other != tt.want && errors.Is(tt.err, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, other)
				}
			}
		})
	}
}

// TestSentinelMatchingThroughWrap tests that matching survives %w wrapping
func TestSentinelMatchingThroughWrap(t *testing.T) {
	err := fmt.Errorf("failed to provision container: %w", Busy("/sys/fs/cgroup/c1", "child cgroups exist"))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("errors.Is through wrap = false, want true")
	}
}

// TestPermissionDeniedSuggestsElevation tests the actionable message
func TestPermissionDeniedSuggestsElevation(t *testing.T) {
	err := PermissionDenied("creating user namespace")
	if !strings.Contains(err.Error(), "sudo") {
		t.Errorf("PermissionDenied message %q does not suggest elevation", err.Error())
	}
	if !strings.Contains(err.Error(), "creating user namespace") {
		t.Errorf("PermissionDenied message %q does not name the operation", err.Error())
	}
}

// TestChildSetupMessage tests the stage is always named
func TestChildSetupMessage(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   string
		absent string
	}{
		{"with detail", ChildSetup("mount-proc", "read-only filesystem"), "read-only filesystem", ""},
		{"without detail", ChildSetup("exec", ""), `"exec"`, ":"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			if !strings.Contains(msg, tt.want) {
				t.Errorf("ChildSetup message %q missing %q", msg, tt.want)
			}
			if tt.absent != "" && strings.Contains(msg, tt.absent) {
				t.Errorf("ChildSetup message %q should not contain %q", msg, tt.absent)
			}
		})
	}
}

// TestErrno tests errno extraction from wrapped OS errors
func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"path error", &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, syscall.ENOENT},
		{"bare errno", syscall.EBUSY, syscall.EBUSY},
		{"wrapped path error", fmt.Errorf("write: %w", &os.PathError{Op: "write", Path: "/x", Err: syscall.EPERM}), syscall.EPERM},
		{"no errno", errors.New("plain"), 0},
		{"nil", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Errno(tt.err); got != tt.want {
				t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
