package namespace

import (
	"fmt"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// Entry records what to do for one namespace kind: create a fresh
// namespace, or join an existing one through a namespace file. The two
// are mutually exclusive per kind; Path is empty for create-new.
type Entry struct {
	Kind Kind
	Path string
}

// Set is the collection of namespaces to compose for a container, at
// most one entry per kind.
type Set struct {
	entries map[Kind]Entry
}

// NewSet returns an empty namespace set.
func NewSet() *Set {
	return &Set{entries: make(map[Kind]Entry)}
}

// SetFromOCI builds a Set from the linux.namespaces array of a bundle
// config. Entries with a path join that namespace; entries without one
// create a new namespace.
func SetFromOCI(namespaces []specs.LinuxNamespace) (*Set, error) {
	set := NewSet()
	for _, ns := range namespaces {
		kind, err := KindFromOCI(ns.Type)
		if err != nil {
			return nil, err
		}
		if ns.Path != "" {
			if err := set.Join(kind, ns.Path); err != nil {
				return nil, err
			}
			continue
		}
		if err := set.Create(kind); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Create requests a fresh namespace of the given kind.
func (s *Set) Create(kind Kind) error {
	if _, dup := s.entries[kind]; dup {
		return errdefs.InvalidSpec("linux.namespaces", fmt.Sprintf("namespace %q listed more than once", kind))
	}
	s.entries[kind] = Entry{Kind: kind}
	return nil
}

// Join requests joining the namespace referenced by the file at path.
// The path must reference a currently-open namespace file; the kernel
// keeps a namespace alive only while a process, an open fd, or a bind
// mount holds it, so validity here does not imply validity later.
func (s *Set) Join(kind Kind, path string) error {
	if _, dup := s.entries[kind]; dup {
		return errdefs.InvalidSpec("linux.namespaces", fmt.Sprintf("namespace %q listed more than once", kind))
	}
	if _, err := os.Stat(path); err != nil {
		return errdefs.NotFound(fmt.Sprintf("%s namespace file", kind), path)
	}
	s.entries[kind] = Entry{Kind: kind, Path: path}
	return nil
}

// Contains reports whether the set has an entry (create or join) for kind.
func (s *Set) Contains(kind Kind) bool {
	_, ok := s.entries[kind]
	return ok
}

// Creates reports whether the set creates a fresh namespace of kind.
func (s *Set) Creates(kind Kind) bool {
	e, ok := s.entries[kind]
	return ok && e.Path == ""
}

// CloneFlags returns the union of CLONE_NEW* bits for every create-new
// entry, so all new namespaces are requested from the kernel in a single
// atomic call and become visible together.
func (s *Set) CloneFlags() uintptr {
	var flags uintptr
	for _, e := range s.entries {
		if e.Path == "" {
			flags |= e.Kind.CloneFlag()
		}
	}
	return flags
}

// joinOrder enters the user namespace first so the joiner gains its
// capabilities before entering the rest.
var joinOrder = []Kind{KindUser, KindPid, KindMount, KindUts, KindIpc, KindNet, KindCgroup, KindTime}

// Joins returns the entries that join existing namespaces, in join order.
func (s *Set) Joins() []Entry {
	var joins []Entry
	for _, kind := range joinOrder {
		if e, ok := s.entries[kind]; ok && e.Path != "" {
			joins = append(joins, e)
		}
	}
	return joins
}

// Len returns the number of entries in the set.
func (s *Set) Len() int {
	return len(s.entries)
}
