package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/types"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "contain.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContainers); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketContainers, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateContainer stores a new container record. The ID must be unused.
func (s *BoltStore) CreateContainer(container *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if b.Get([]byte(container.ID)) != nil {
			return errdefs.AlreadyExists(container.ID)
		}
		data, err := json.Marshal(container)
		if err != nil {
			return err
		}
		return b.Put([]byte(container.ID), data)
	})
}

// GetContainer loads one container record by ID.
func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var container types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("container", id)
		}
		return json.Unmarshal(data, &container)
	})
	if err != nil {
		return nil, err
	}
	return &container, nil
}

// ListContainers returns every stored container record.
func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var container types.Container
			if err := json.Unmarshal(v, &container); err != nil {
				return err
			}
			containers = append(containers, &container)
			return nil
		})
	})
	return containers, err
}

// UpdateContainer overwrites an existing container record.
func (s *BoltStore) UpdateContainer(container *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if b.Get([]byte(container.ID)) == nil {
			return errdefs.NotFound("container", container.ID)
		}
		data, err := json.Marshal(container)
		if err != nil {
			return err
		}
		return b.Put([]byte(container.ID), data)
	})
}

// DeleteContainer removes a container record.
func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if b.Get([]byte(id)) == nil {
			return errdefs.NotFound("container", id)
		}
		return b.Delete([]byte(id))
	})
}
