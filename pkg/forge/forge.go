// Package forge produces signed operations for a local actor. A Forge
// binds the actor's long-term identity, assigns gapless per-actor
// sequence numbers starting at 0, and attaches the caller's current
// frontier as the causal dependency set.
package forge

import (
	"fmt"
	"sync"

	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/types"
)

// Forge authors operations for one long-term identity. Safe for
// concurrent use; the sequence counter only advances after an
// operation has been signed successfully.
type Forge struct {
	id *identity.Identity

	mu   sync.Mutex
	next uint64
	last types.OperationID
}

// New creates a Forge for the given identity, starting at sequence 0.
func New(id *identity.Identity) *Forge {
	return &Forge{id: id}
}

// ActorID returns the authoring actor's identifier.
func (f *Forge) ActorID() types.ActorID {
	return f.id.ActorID()
}

// NextSeq returns the sequence number the next forged operation will
// carry.
func (f *Forge) NextSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// Next forges, signs, and returns an operation for action, depending on
// frontier. The author's own previous operation is always included in
// the dependency set, so causal delivery implies per-actor sequence
// order at every replica. The sequence counter increments only on
// success.
func (f *Forge) Next(action types.Action, frontier []types.OperationID) (*types.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deps := make([]types.OperationID, 0, len(frontier)+1)
	deps = append(deps, frontier...)
	if f.last.Defined() && !containsID(deps, f.last) {
		deps = append(deps, f.last)
	}

	op, err := sign(f.id, f.next, action, deps)
	if err != nil {
		return nil, err
	}
	id, err := op.ID()
	if err != nil {
		return nil, err
	}

	f.next++
	f.last = id
	return op, nil
}

// Position reports the forge's cursor: the sequence number the next
// operation will carry and the ID of the last forged operation. A
// caller that discards a freshly forged operation restores the cursor
// with Resume so neither the sequence number nor the self-parent link
// is burned on an operation that never entered the log.
func (f *Forge) Position() (uint64, types.OperationID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.last
}

// Resume positions the forge after a restart: next is the sequence
// number the next operation must carry and last is the author's most
// recent operation ID, recovered from the persisted log.
func (f *Forge) Resume(next uint64, last types.OperationID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = next
	f.last = last
}

func containsID(ids []types.OperationID, id types.OperationID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Ephemeral forges a single operation under a freshly generated
// one-time key, fixed at sequence number 0. The operation is
// intentionally unlinked to any ongoing per-actor log; the throwaway
// identity is returned so the caller can learn the ephemeral ActorID,
// and must not be reused.
func Ephemeral(action types.Action, frontier []types.OperationID) (*types.Operation, *identity.Identity, error) {
	oneTime, err := identity.GenerateEphemeral()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral identity: %w", err)
	}

	op, err := sign(oneTime, 0, action, frontier)
	if err != nil {
		return nil, nil, err
	}
	return op, oneTime, nil
}

func sign(id *identity.Identity, seq uint64, action types.Action, frontier []types.OperationID) (*types.Operation, error) {
	op := &types.Operation{
		Author:   id.PublicKey(),
		Seq:      seq,
		Previous: frontier,
		Action:   action,
	}

	signingBytes, err := op.SigningBytes()
	if err != nil {
		return nil, err
	}
	op.Signature = id.Sign(signingBytes)
	return op, nil
}
