// Package auth implements the authorization state machine: it applies
// causally ordered operations to a global roster and per-space
// membership views, resolving concurrent conflicts with an injected
// resolution policy.
//
// Every derived view is a pure function of the set of accepted
// operations. Applying an operation only inserts it into that set (after
// validation and permission gating, which are themselves pure functions
// of the operation and its causal past), so two replicas that have
// received the same operations converge to identical views regardless
// of delivery order, and re-applying an operation is a no-op.
package auth

import (
	"fmt"
	"sync"

	"github.com/relves/spaces/pkg/types"
)

// record is the arena entry for one known operation. The dependency
// graph is held purely as OperationID values — records never reference
// each other in memory.
type record struct {
	id        types.OperationID
	actor     types.ActorID
	seq       uint64
	action    types.Action
	ancestors map[types.OperationID]struct{}
	// reason is the rejection error, set only on records in the
	// rejected arena; re-delivery reports the same error.
	reason error
}

// spaceState is the bookkeeping for one space.
type spaceState struct {
	// authOps are the accepted membership/access-affecting operation
	// IDs. The space's key epoch is exactly len(authOps).
	authOps map[types.OperationID]struct{}
	// frontier are accepted operation IDs (auth and content) that are
	// not an ancestor of any other accepted operation for this space.
	frontier map[types.OperationID]struct{}
	// authFrontier is the frontier restricted to auth operations; the
	// current content key is selected from it.
	authFrontier map[types.OperationID]struct{}
}

// State is the authorization state machine.
type State struct {
	resolver Resolver

	mu sync.RWMutex
	// accepted operations, keyed by ID.
	records map[types.OperationID]*record
	// rejected operations are retained, with their rejection reason, so
	// dependents can still be positioned in the DAG; they contribute
	// nothing to derived views.
	rejected map[types.OperationID]*record
	spaces   map[types.SpaceID]*spaceState
}

// Config configures a State.
type Config struct {
	// Resolver merges concurrent conflicting operations.
	// Default: StrongRemove.
	Resolver Resolver
}

// NewState creates an empty state machine.
func NewState(cfg Config) *State {
	if cfg.Resolver == nil {
		cfg.Resolver = StrongRemove{}
	}
	return &State{
		resolver: cfg.Resolver,
		records:  make(map[types.OperationID]*record),
		rejected: make(map[types.OperationID]*record),
		spaces:   make(map[types.SpaceID]*spaceState),
	}
}

// Result reports the outcome of a successful Apply.
type Result struct {
	// ID of the applied operation.
	ID types.OperationID
	// Space the operation addressed.
	Space types.SpaceID
	// Duplicate is set when the operation had already been applied;
	// nothing changed.
	Duplicate bool
	// AuthChange is set when the operation changed membership or
	// access levels, advancing the space's key epoch.
	AuthChange bool
	// Epoch is the space's key epoch after this operation.
	Epoch uint64
}

// Apply validates and applies one operation whose dependencies have all
// been applied (the orderer guarantees this). Idempotent on operation
// ID. Returns ErrValidation for malformed or mis-sequenced operations
// (discarded), ErrUnknownSpace when the operation's causal past does
// not contain the space's creation, and ErrPermissionDenied when the
// author lacks the required level in the pre-operation view (the view
// over the operation's causal past); rejected operations keep their
// place in the dependency graph for ordering but never affect views,
// and re-applying one reports its original rejection.
func (s *State) Apply(op *types.Operation) (Result, error) {
	id, err := op.ID()
	if err != nil {
		return Result{}, err
	}
	actor, err := op.ActorID()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	space, err := types.SpaceOf(op.Action)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return s.resultLocked(id, space, true), nil
	}
	if rec, ok := s.rejected[id]; ok {
		return Result{}, rec.reason
	}

	ancestors, err := s.collectAncestors(op)
	if err != nil {
		return Result{}, err
	}

	if err := s.checkSequence(actor, op.Seq, ancestors); err != nil {
		return Result{}, err
	}

	rec := &record{
		id:        id,
		actor:     actor,
		seq:       op.Seq,
		action:    op.Action,
		ancestors: ancestors,
	}

	if err := s.gate(rec); err != nil {
		// Structurally valid but rejected: remember its position in
		// the DAG, so later operations by the same author can still
		// chain it, and the verdict itself.
		rec.reason = err
		s.rejected[id] = rec
		return Result{}, err
	}

	s.records[id] = rec
	s.indexLocked(rec, space)

	return s.resultLocked(id, space, false), nil
}

func (s *State) resultLocked(id types.OperationID, space types.SpaceID, duplicate bool) Result {
	rec := s.records[id]
	res := Result{
		ID:        id,
		Space:     space,
		Duplicate: duplicate,
	}
	if rec != nil {
		res.AuthChange = types.IsAuth(rec.action)
	}
	if sp, ok := s.spaces[space]; ok {
		res.Epoch = uint64(len(sp.authOps))
	}
	return res
}

// collectAncestors builds the operation's ancestor set from its
// dependency list. Every dependency must already be known (accepted or
// rejected); the orderer never releases an operation early, so a
// missing dependency is a caller bug.
func (s *State) collectAncestors(op *types.Operation) (map[types.OperationID]struct{}, error) {
	ancestors := make(map[types.OperationID]struct{})
	for _, dep := range op.Previous {
		parent, ok := s.records[dep]
		if !ok {
			parent, ok = s.rejected[dep]
		}
		if !ok {
			return nil, fmt.Errorf("%w: dependency %s not applied", types.ErrValidation, dep)
		}
		ancestors[dep] = struct{}{}
		for ancestor := range parent.ancestors {
			ancestors[ancestor] = struct{}{}
		}
	}
	return ancestors, nil
}

// checkSequence enforces the author's self-chain as a pure function of
// the operation's content and causal past: an operation with sequence n
// must carry the author's sequence n-1 operation, accepted or rejected,
// among its ancestors. Arrival order cannot influence the verdict, so
// replicas holding the same operation set accept the same subset.
// Caller holds s.mu.
func (s *State) checkSequence(actor types.ActorID, seq uint64, ancestors map[types.OperationID]struct{}) error {
	if seq == 0 {
		return nil
	}
	for id := range ancestors {
		rec, ok := s.records[id]
		if !ok {
			rec = s.rejected[id]
		}
		if rec != nil && rec.actor == actor && rec.seq == seq-1 {
			return nil
		}
	}
	return fmt.Errorf("%w: operation by %s has sequence %d but its causal past lacks the author's sequence %d",
		types.ErrValidation, actor, seq, seq-1)
}

// gate checks the operation against the pre-operation view: the
// membership view computed over the operation's causal past only. This
// keeps accept/reject decisions identical on every replica no matter
// what concurrent operations it has already applied.
func (s *State) gate(rec *record) error {
	inPast := func(id types.OperationID) bool {
		_, ok := rec.ancestors[id]
		return ok
	}

	switch act := rec.action.(type) {
	case types.CreateSpace:
		if s.createdWithin(act.Space, inPast) {
			return fmt.Errorf("%w: space %s already created in causal past", types.ErrSpaceExists, act.Space)
		}
		for _, grant := range act.Members {
			if grant.Member == rec.actor {
				return fmt.Errorf("%w: creator listed as initial member", types.ErrValidation)
			}
		}
		return nil

	case types.AddMember:
		if !s.createdWithin(act.Space, inPast) {
			return fmt.Errorf("%w: %s", types.ErrUnknownSpace, act.Space)
		}
		view := s.viewLocked(act.Space, inPast)
		if view[rec.actor] < types.AccessAdmin {
			return fmt.Errorf("%w: %s is not admin of %s", types.ErrPermissionDenied, rec.actor, act.Space)
		}
		if view[act.Member] != types.AccessNone {
			return fmt.Errorf("%w: %s is already a member of %s", types.ErrValidation, act.Member, act.Space)
		}
		return nil

	case types.RemoveMember:
		if !s.createdWithin(act.Space, inPast) {
			return fmt.Errorf("%w: %s", types.ErrUnknownSpace, act.Space)
		}
		view := s.viewLocked(act.Space, inPast)
		if view[act.Member] == types.AccessNone {
			return fmt.Errorf("%w: %s is not a member of %s", types.ErrValidation, act.Member, act.Space)
		}
		// Self-removal (leaving) needs no privilege; removing others
		// requires Admin.
		if act.Member != rec.actor && view[rec.actor] < types.AccessAdmin {
			return fmt.Errorf("%w: %s is not admin of %s", types.ErrPermissionDenied, rec.actor, act.Space)
		}
		return nil

	case types.ChangeAccess:
		if !s.createdWithin(act.Space, inPast) {
			return fmt.Errorf("%w: %s", types.ErrUnknownSpace, act.Space)
		}
		view := s.viewLocked(act.Space, inPast)
		if view[rec.actor] < types.AccessAdmin {
			return fmt.Errorf("%w: %s is not admin of %s", types.ErrPermissionDenied, rec.actor, act.Space)
		}
		if view[act.Member] == types.AccessNone {
			return fmt.Errorf("%w: %s is not a member of %s", types.ErrValidation, act.Member, act.Space)
		}
		return nil

	case types.SendContent:
		if !s.createdWithin(act.Space, inPast) {
			return fmt.Errorf("%w: %s", types.ErrUnknownSpace, act.Space)
		}
		view := s.viewLocked(act.Space, inPast)
		if view[rec.actor] < types.AccessWrite {
			return fmt.Errorf("%w: %s may not write to %s", types.ErrPermissionDenied, rec.actor, act.Space)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown action %T", types.ErrValidation, rec.action)
	}
}

// createdWithin reports whether an accepted CreateSpace for space lies
// within the given causal cut.
func (s *State) createdWithin(space types.SpaceID, include func(types.OperationID) bool) bool {
	sp, ok := s.spaces[space]
	if !ok {
		return false
	}
	for id := range sp.authOps {
		if !include(id) {
			continue
		}
		if create, ok := s.records[id].action.(types.CreateSpace); ok && create.Space == space {
			return true
		}
	}
	return false
}

// indexLocked inserts an accepted record into the per-space indices.
func (s *State) indexLocked(rec *record, space types.SpaceID) {
	sp, ok := s.spaces[space]
	if !ok {
		sp = &spaceState{
			authOps:      make(map[types.OperationID]struct{}),
			frontier:     make(map[types.OperationID]struct{}),
			authFrontier: make(map[types.OperationID]struct{}),
		}
		s.spaces[space] = sp
	}

	for id := range sp.frontier {
		if _, ok := rec.ancestors[id]; ok {
			delete(sp.frontier, id)
		}
	}
	sp.frontier[rec.id] = struct{}{}

	if types.IsAuth(rec.action) {
		sp.authOps[rec.id] = struct{}{}
		for id := range sp.authFrontier {
			if _, ok := rec.ancestors[id]; ok {
				delete(sp.authFrontier, id)
			}
		}
		sp.authFrontier[rec.id] = struct{}{}
	}
}

// Rollback withdraws an applied operation after a downstream commit
// step failed. Only an operation with no applied dependents can be
// withdrawn; a just-authored local operation qualifies because it was
// never disseminated.
func (s *State) Rollback(id types.OperationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: operation %s is not applied", types.ErrValidation, id)
	}
	for _, other := range s.records {
		if _, ok := other.ancestors[id]; ok {
			return fmt.Errorf("%w: operation %s has applied dependents", types.ErrValidation, id)
		}
	}
	delete(s.records, id)

	space, err := types.SpaceOf(rec.action)
	if err != nil {
		return err
	}
	s.reindexLocked(space)
	return nil
}

// reindexLocked rebuilds one space's indices from the surviving
// records. Withdrawal is rare, so the quadratic rebuild is fine.
func (s *State) reindexLocked(space types.SpaceID) {
	var ids []types.OperationID
	for id, rec := range s.records {
		if recSpace, err := types.SpaceOf(rec.action); err == nil && recSpace == space {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(s.spaces, space)
		return
	}

	sp := &spaceState{
		authOps:      make(map[types.OperationID]struct{}),
		frontier:     make(map[types.OperationID]struct{}),
		authFrontier: make(map[types.OperationID]struct{}),
	}
	for _, id := range ids {
		rec := s.records[id]
		superseded, authSuperseded := false, false
		for _, otherID := range ids {
			if otherID == id {
				continue
			}
			other := s.records[otherID]
			if _, ok := other.ancestors[id]; !ok {
				continue
			}
			superseded = true
			if types.IsAuth(other.action) {
				authSuperseded = true
			}
		}
		if !superseded {
			sp.frontier[id] = struct{}{}
		}
		if types.IsAuth(rec.action) {
			sp.authOps[id] = struct{}{}
			if !authSuperseded {
				sp.authFrontier[id] = struct{}{}
			}
		}
	}
	s.spaces[space] = sp
}
