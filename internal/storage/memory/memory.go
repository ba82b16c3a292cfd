// Package memory provides the in-memory store used by tests and
// single-process deployments. All methods copy values in and out under
// a read-write lock, so callers observe either a fully pre- or fully
// post-operation state and never alias store internals.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/relves/spaces/internal/codec"
	"github.com/relves/spaces/internal/storage"
	"github.com/relves/spaces/pkg/auth"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/types"
)

var _ storage.Store = (*Store)(nil)

// Store implements every store contract over process memory.
type Store struct {
	mu         sync.RWMutex
	roster     auth.RosterView
	spaces     map[types.SpaceID]auth.SpaceView
	operations map[types.OperationID][]byte
	registry   map[types.ActorID][]byte
	secrets    []byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		spaces:     make(map[types.SpaceID]auth.SpaceView),
		operations: make(map[types.OperationID][]byte),
		registry:   make(map[types.ActorID][]byte),
	}
}

// Roster returns the stored roster view.
func (s *Store) Roster(_ context.Context) (auth.RosterView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRoster(s.roster), nil
}

// SetRoster replaces the stored roster view.
func (s *Store) SetRoster(_ context.Context, view auth.RosterView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = copyRoster(view)
	return nil
}

// Space returns the stored view for id, or nil when unknown.
func (s *Store) Space(_ context.Context, id types.SpaceID) (*auth.SpaceView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.spaces[id]
	if !ok {
		return nil, nil
	}
	out := copySpace(view)
	return &out, nil
}

// HasSpace reports whether a view is stored for id.
func (s *Store) HasSpace(_ context.Context, id types.SpaceID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spaces[id]
	return ok, nil
}

// SpaceIDs lists stored space IDs, sorted.
func (s *Store) SpaceIDs(_ context.Context) ([]types.SpaceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.SpaceID, 0, len(s.spaces))
	for id := range s.spaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetSpace stores the view for id.
func (s *Store) SetSpace(_ context.Context, id types.SpaceID, view auth.SpaceView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[id] = copySpace(view)
	return nil
}

// Operation returns the stored operation, or nil when absent. The
// operation is re-decoded from its canonical bytes so callers can
// never mutate the stored copy.
func (s *Store) Operation(_ context.Context, id types.OperationID) (*types.Operation, error) {
	s.mu.RLock()
	data, ok := s.operations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return types.DecodeOperation(data)
}

// SetOperation stores an operation under its ID. Idempotent: the store
// is append-only and content-addressed, so a second write of the same
// ID changes nothing.
func (s *Store) SetOperation(_ context.Context, id types.OperationID, op *types.Operation) error {
	data, err := op.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[id]; ok {
		return nil
	}
	s.operations[id] = data
	return nil
}

// Operations lists every stored operation, in no particular order.
func (s *Store) Operations(_ context.Context) ([]*types.Operation, error) {
	s.mu.RLock()
	encoded := make([][]byte, 0, len(s.operations))
	for _, data := range s.operations {
		encoded = append(encoded, data)
	}
	s.mu.RUnlock()

	ops := make([]*types.Operation, 0, len(encoded))
	for _, data := range encoded {
		op, err := types.DecodeOperation(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Registry returns the published bundle for actor, or nil.
func (s *Store) Registry(_ context.Context, actor types.ActorID) (*keys.PreKeyBundle, error) {
	s.mu.RLock()
	data, ok := s.registry[actor]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var bundle keys.PreKeyBundle
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SetRegistry publishes actor's bundle.
func (s *Store) SetRegistry(_ context.Context, actor types.ActorID, bundle *keys.PreKeyBundle) error {
	data, err := codec.Marshal(bundle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[actor] = data
	return nil
}

// Secrets returns the local secret state, or nil when none stored.
func (s *Store) Secrets(_ context.Context) (*keys.SecretState, error) {
	s.mu.RLock()
	data := s.secrets
	s.mu.RUnlock()
	if data == nil {
		return nil, nil
	}
	var state keys.SecretState
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetSecrets replaces the local secret state.
func (s *Store) SetSecrets(_ context.Context, state *keys.SecretState) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = data
	return nil
}

func copyRoster(view auth.RosterView) auth.RosterView {
	out := auth.RosterView{Actors: make(map[types.ActorID]types.AccessLevel, len(view.Actors))}
	for actor, level := range view.Actors {
		out.Actors[actor] = level
	}
	return out
}

func copySpace(view auth.SpaceView) auth.SpaceView {
	out := auth.SpaceView{
		Space:   view.Space,
		Epoch:   view.Epoch,
		KeyOp:   view.KeyOp,
		Members: make(map[types.ActorID]types.AccessLevel, len(view.Members)),
	}
	for actor, level := range view.Members {
		out.Members[actor] = level
	}
	out.Frontier = append([]types.OperationID(nil), view.Frontier...)
	return out
}
