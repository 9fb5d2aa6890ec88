package storage

import (
	"github.com/ipdelete/contain/pkg/types"
)

// Store defines the interface for container state persistence. Each CLI
// invocation is a separate process, so lifecycle state must survive
// between create, start, kill, and delete.
type Store interface {
	CreateContainer(container *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	UpdateContainer(container *types.Container) error
	DeleteContainer(id string) error

	Close() error
}
