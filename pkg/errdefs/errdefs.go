package errdefs

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel values for errors.Is matching. Callers branch on these; the
// concrete types below carry the context (path, operation, reason).
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrBusy             = errors.New("resource busy")
	ErrInvalidSpec      = errors.New("invalid spec")
	ErrInvalidState     = errors.New("invalid state")
	ErrChildSetup       = errors.New("child setup failed")
)

// PermissionDeniedError reports a privileged operation attempted without
// the required capability. The message always names the operation and
// suggests elevation.
type PermissionDeniedError struct {
	Op string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s requires elevated privileges (try: sudo)", e.Op)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// PermissionDenied wraps a privileged operation failure.
func PermissionDenied(op string) error {
	return &PermissionDeniedError{Op: op}
}

// NotFoundError reports a missing namespace file, cgroup path, bundle
// path, or process.
type NotFoundError struct {
	Resource string
	Path     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound reports a missing resource at path.
func NotFound(resource, path string) error {
	return &NotFoundError{Resource: resource, Path: path}
}

// AlreadyExistsError reports a create targeting an existing path.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("already exists: %s", e.Path)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// AlreadyExists reports a conflicting path.
func AlreadyExists(path string) error {
	return &AlreadyExistsError{Path: path}
}

// BusyError reports an operation blocked by live kernel state: a cgroup
// with attached processes or children, or the no-internal-processes rule.
type BusyError struct {
	Path   string
	Reason string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is busy: %s", e.Path, e.Reason)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Busy reports a blocked operation with an actionable reason.
func Busy(path, reason string) error {
	return &BusyError{Path: path, Reason: reason}
}

// InvalidSpecError reports a malformed or missing bundle config field.
type InvalidSpecError struct {
	Field  string
	Detail string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec field %q: %s", e.Field, e.Detail)
}

func (e *InvalidSpecError) Is(target error) bool { return target == ErrInvalidSpec }

// InvalidSpec reports a config validation failure.
func InvalidSpec(field, detail string) error {
	return &InvalidSpecError{Field: field, Detail: detail}
}

// InvalidStateError reports a lifecycle operation attempted in the wrong
// phase.
type InvalidStateError struct {
	Expected string
	Actual   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: expected %s, container is %s", e.Expected, e.Actual)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// InvalidState reports a phase mismatch.
func InvalidState(expected, actual string) error {
	return &InvalidStateError{Expected: expected, Actual: actual}
}

// ChildSetupError reports that a composed child failed during its own
// post-fork setup. The parent derives this from the child's exit status;
// the stage is relayed over the status pipe when available.
type ChildSetupError struct {
	Stage  string
	Detail string
}

func (e *ChildSetupError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("child setup failed at stage %q", e.Stage)
	}
	return fmt.Sprintf("child setup failed at stage %q: %s", e.Stage, e.Detail)
}

func (e *ChildSetupError) Is(target error) bool { return target == ErrChildSetup }

// ChildSetup reports a post-fork, pre-exec failure in the child.
func ChildSetup(stage, detail string) error {
	return &ChildSetupError{Stage: stage, Detail: detail}
}

// Errno extracts the syscall.Errno from an OS-level error, unwrapping
// os.PathError and friends. Returns 0 if none is present.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
