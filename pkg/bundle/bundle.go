package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/log"
)

const (
	// ConfigFile is the runtime configuration file inside a bundle
	ConfigFile = "config.json"

	// RootfsDir is the root filesystem directory inside a bundle
	RootfsDir = "rootfs"
)

// Bundle pairs an on-disk bundle directory with its parsed runtime
// configuration. The configuration is read-only once a container built
// from the bundle is running.
type Bundle struct {
	Path string
	Spec *specs.Spec
}

// Rootfs returns the absolute path of the bundle's root filesystem.
func (b *Bundle) Rootfs() string {
	return filepath.Join(b.Path, RootfsDir)
}

// Store owns the on-disk bundle format: a directory holding config.json
// and an (initially empty) rootfs/.
type Store struct {
	logger zerolog.Logger
}

// NewStore creates a bundle store.
func NewStore() *Store {
	return &Store{logger: log.WithComponent("bundle")}
}

// Init creates a new bundle at path. The directory must not pre-exist.
// It writes rootfs/ and a minimal valid config.json and returns the
// in-memory bundle matching exactly what was written, so a subsequent
// Load round-trips.
func (s *Store) Init(path string) (*Bundle, error) {
	if err := os.Mkdir(path, 0o755); err != nil {
		switch errdefs.Errno(err) {
		case syscall.EEXIST:
			return nil, errdefs.AlreadyExists(path)
		case syscall.ENOENT:
			return nil, errdefs.NotFound("parent directory", filepath.Dir(path))
		case syscall.EPERM, syscall.EACCES:
			return nil, errdefs.PermissionDenied(fmt.Sprintf("creating bundle directory %s", path))
		}
		return nil, fmt.Errorf("failed to create bundle directory %s: %w", path, err)
	}
	if err := os.Mkdir(filepath.Join(path, RootfsDir), 0o755); err != nil {
		// Remove the directory this call created so a retry does not
		// trip over AlreadyExists for a bundle that never existed.
		os.RemoveAll(path)
		return nil, fmt.Errorf("failed to create rootfs in %s: %w", path, err)
	}

	spec := DefaultSpec()
	if err := writeConfig(path, spec); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	s.logger.Info().Str("path", path).Msg("bundle initialized")
	return &Bundle{Path: path, Spec: spec}, nil
}

// Load reads and validates the bundle at path. Required fields that are
// missing or of the wrong JSON type fail with InvalidSpec; they are never
// silently defaulted.
func (s *Store) Load(path string) (*Bundle, error) {
	configPath := filepath.Join(path, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errdefs.Errno(err) == syscall.ENOENT {
			return nil, errdefs.NotFound("bundle config", configPath)
		}
		return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errdefs.InvalidSpec(typeErr.Field, fmt.Sprintf("expected %s, got JSON %s", typeErr.Type, typeErr.Value))
		}
		return nil, errdefs.InvalidSpec(ConfigFile, fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &Bundle{Path: path, Spec: &spec}, nil
}

// Show returns the bundle's validated configuration pretty-printed.
func (s *Store) Show(path string) (string, error) {
	b, err := s.Load(path)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(b.Spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

// PatchArgs rewrites process.args in the bundle's config.json, for
// troubleshooting a bundle whose command line is wrong. The caller is
// responsible for ensuring no container built from the bundle is running.
func (s *Store) PatchArgs(path string, args []string) error {
	if len(args) == 0 {
		return errdefs.InvalidSpec("process.args", "must not be empty")
	}
	b, err := s.Load(path)
	if err != nil {
		return err
	}
	b.Spec.Process.Args = args
	if err := writeConfig(path, b.Spec); err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Strs("args", args).Msg("bundle args patched")
	return nil
}

// Validate checks the fields this runtime consumes. It is exported so the
// lifecycle layer can re-check a bundle it did not load itself.
func Validate(spec *specs.Spec) error {
	if spec.Version == "" {
		return errdefs.InvalidSpec("ociVersion", "required field is missing")
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return errdefs.InvalidSpec("root.path", "required field is missing")
	}
	if spec.Root.Path != RootfsDir {
		return errdefs.InvalidSpec("root.path", fmt.Sprintf("must be %q for this runtime, got %q", RootfsDir, spec.Root.Path))
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return errdefs.InvalidSpec("process.args", "required field is missing or empty")
	}
	if spec.Linux != nil {
		for i, ns := range spec.Linux.Namespaces {
			if ns.Type == "" {
				return errdefs.InvalidSpec(fmt.Sprintf("linux.namespaces[%d].type", i), "required field is missing")
			}
		}
	}
	return nil
}

// DefaultSpec returns the minimal configuration written by Init: a shell
// in new pid, ipc, uts, and mount namespaces over an empty rootfs.
func DefaultSpec() *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Root: &specs.Root{
			Path:     RootfsDir,
			Readonly: false,
		},
		Hostname: "contain",
		Process: &specs.Process{
			Terminal: true,
			Cwd:      "/",
			Args:     []string{"sh"},
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"TERM=xterm",
			},
		},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
}

// writeConfig writes config.json atomically: the new content lands under
// a temporary name in the bundle directory and is renamed into place, so
// a crash mid-write never leaves a torn config.
func writeConfig(path string, spec *specs.Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp, err := os.CreateTemp(path, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config in %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(path, ConfigFile)); err != nil {
		return fmt.Errorf("failed to install config in %s: %w", path, err)
	}
	return nil
}
