// Package dsop stores operations in any go-datastore backend, keyed by
// operation ID. It layers an LRU over the datastore so hot operations
// skip the decode-and-verify path on re-read.
package dsop

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"

	"github.com/relves/spaces/internal/storage"
	"github.com/relves/spaces/pkg/types"
)

const defaultCacheSize = 10000

var _ storage.OperationStore = (*Store)(nil)

// Store is an operation store over a datastore.
type Store struct {
	ds datastore.Datastore
	// cache holds decoded operations by ID string to avoid repeated
	// signature verification on re-fetch (LRU handles eviction).
	cache *lru.Cache[string, *types.Operation]
}

// New wraps ds in an operation store.
func New(ds datastore.Datastore) (*Store, error) {
	cache, err := lru.New[string, *types.Operation](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create operation cache: %w", err)
	}
	return &Store{ds: ds, cache: cache}, nil
}

func opKey(id types.OperationID) datastore.Key {
	return datastore.NewKey("/operations/" + id.String())
}

// Operation returns the stored operation, or nil when absent. Reads
// from the datastore re-verify the operation's signature and canonical
// encoding; cached reads were verified on the way in.
func (s *Store) Operation(ctx context.Context, id types.OperationID) (*types.Operation, error) {
	if op, ok := s.cache.Get(id.String()); ok {
		return op, nil
	}

	data, err := s.ds.Get(ctx, opKey(id))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch operation %s: %w", id, err)
	}

	op, err := types.DecodeOperation(data)
	if err != nil {
		return nil, fmt.Errorf("stored operation %s: %w", id, err)
	}
	s.cache.Add(id.String(), op)
	return op, nil
}

// SetOperation stores an operation under its ID. Idempotent: a repeat
// write of the same content-addressed key is harmless.
func (s *Store) SetOperation(ctx context.Context, id types.OperationID, op *types.Operation) error {
	data, err := op.Encode()
	if err != nil {
		return err
	}
	if err := s.ds.Put(ctx, opKey(id), data); err != nil {
		return fmt.Errorf("store operation %s: %w", id, err)
	}
	s.cache.Add(id.String(), op)
	return nil
}
