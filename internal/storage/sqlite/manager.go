package sqlite

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/relves/spaces/internal/storage"
	"github.com/relves/spaces/pkg/types"
)

// StoreManager opens one database per actor and caches the handles, so
// a host process running several replicas shares nothing between them.
type StoreManager struct {
	basePath string
	stores   map[types.ActorID]*Store
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager rooted at basePath.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[types.ActorID]*Store),
	}
}

// GetStore returns the store for the given actor, opening it on first
// use. Stores are cached and reused.
func (m *StoreManager) GetStore(actor types.ActorID) (*Store, error) {
	m.mu.RLock()
	if store, ok := m.stores[actor]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[actor]; ok {
		return store, nil
	}

	store, err := Open(filepath.Join(m.basePath, "actors", string(actor)))
	if err != nil {
		return nil, err
	}

	m.stores[actor] = store
	return store, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[types.ActorID]*Store)
	return errors.Join(errs...)
}

// BasePath returns the base path for replica storage.
func (m *StoreManager) BasePath() string {
	return m.basePath
}

// GetReplicaStore returns the actor's store as the storage.Store
// interface.
func (m *StoreManager) GetReplicaStore(actor types.ActorID) (storage.Store, error) {
	return m.GetStore(actor)
}
