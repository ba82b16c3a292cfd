package auth

import (
	"sort"

	"github.com/relves/spaces/pkg/types"
)

// SpaceView is the derived, value-typed view of one space. Callers get
// fresh copies; nothing aliases state machine internals across a
// suspension point.
type SpaceView struct {
	Space types.SpaceID
	// Members maps each current member to its access level.
	Members map[types.ActorID]types.AccessLevel
	// Epoch is the space's current key epoch: it advances by exactly
	// one for every accepted membership/access-affecting operation.
	Epoch uint64
	// Frontier is the canonically sorted set of the most recent
	// applied operation IDs, used as the dependency set for the next
	// locally authored operation.
	Frontier []types.OperationID
	// KeyOp identifies the operation whose rotation distributed the
	// current content key: the causally maximal auth operation,
	// tie-broken deterministically among concurrent candidates. When
	// AuthFrontier reports more than one operation, the selected key
	// was distributed to a branch's member set that may include actors
	// a concurrent branch removed; senders must not seal new content
	// under it until a later membership operation covers the merge.
	KeyOp types.OperationID
}

// RosterView is the derived global roster: for each known actor the
// highest access level it currently holds in any space. Used for
// baseline authentication of actors across spaces.
type RosterView struct {
	Actors map[types.ActorID]types.AccessLevel
}

// viewLocked derives the membership view of a space over the causal
// cut selected by include. For each actor touched by an included auth
// operation, the causally maximal (mutually concurrent) subset of
// those operations is handed to the resolver. Pure function of the
// included operation set. Caller holds s.mu.
func (s *State) viewLocked(space types.SpaceID, include func(types.OperationID) bool) map[types.ActorID]types.AccessLevel {
	sp, ok := s.spaces[space]
	if !ok {
		return nil
	}

	touched := make(map[types.ActorID][]MemberOp)
	for id := range sp.authOps {
		if !include(id) {
			continue
		}
		rec := s.records[id]
		for _, effect := range memberEffects(rec) {
			touched[effect.member] = append(touched[effect.member], effect.op)
		}
	}

	view := make(map[types.ActorID]types.AccessLevel, len(touched))
	for member, ops := range touched {
		maximal := s.maximalLocked(ops)
		level := s.resolver.Resolve(space, member, maximal)
		if level != types.AccessNone {
			view[member] = level
		}
	}
	return view
}

type memberEffect struct {
	member types.ActorID
	op     MemberOp
}

// memberEffects extracts the per-actor membership effects of one
// accepted auth operation. Exhaustive over the closed action variants;
// content operations never reach here.
func memberEffects(rec *record) []memberEffect {
	base := MemberOp{ID: rec.id, Author: rec.actor, Seq: rec.seq}

	switch act := rec.action.(type) {
	case types.CreateSpace:
		effects := make([]memberEffect, 0, len(act.Members)+1)
		creator := base
		creator.Grant = types.AccessAdmin
		effects = append(effects, memberEffect{member: rec.actor, op: creator})
		for _, grant := range act.Members {
			op := base
			op.Grant = grant.Access
			effects = append(effects, memberEffect{member: grant.Member, op: op})
		}
		return effects
	case types.AddMember:
		op := base
		op.Grant = act.Access
		return []memberEffect{{member: act.Member, op: op}}
	case types.RemoveMember:
		op := base
		op.Remove = true
		return []memberEffect{{member: act.Member, op: op}}
	case types.ChangeAccess:
		op := base
		op.Grant = act.Access
		return []memberEffect{{member: act.Member, op: op}}
	default:
		return nil
	}
}

// maximalLocked filters ops down to the causally maximal subset: those
// not in the ancestor set of any other. The survivors are pairwise
// concurrent. Caller holds s.mu.
func (s *State) maximalLocked(ops []MemberOp) []MemberOp {
	maximal := make([]MemberOp, 0, len(ops))
	for i := range ops {
		superseded := false
		for j := range ops {
			if i == j {
				continue
			}
			if _, ok := s.records[ops[j].ID].ancestors[ops[i].ID]; ok {
				superseded = true
				break
			}
		}
		if !superseded {
			maximal = append(maximal, ops[i])
		}
	}
	return maximal
}

func includeAll(types.OperationID) bool { return true }

// HasSpace reports whether the replica has applied a creation for the
// space.
func (s *State) HasSpace(space types.SpaceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spaces[space]
	return ok
}

// SpaceIDs lists the spaces this replica has views of, sorted.
func (s *State) SpaceIDs() []types.SpaceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.SpaceID, 0, len(s.spaces))
	for id := range s.spaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SpaceView derives the current view of a space. Returns false when
// the space is unknown.
func (s *State) SpaceView(space types.SpaceID) (SpaceView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[space]
	if !ok {
		return SpaceView{}, false
	}

	view := SpaceView{
		Space:   space,
		Members: s.viewLocked(space, includeAll),
		Epoch:   uint64(len(sp.authOps)),
	}

	view.Frontier = make([]types.OperationID, 0, len(sp.frontier))
	for id := range sp.frontier {
		view.Frontier = append(view.Frontier, id)
	}
	sort.Slice(view.Frontier, func(i, j int) bool { return view.Frontier[i].Less(view.Frontier[j]) })

	view.KeyOp = s.currentKeyOpLocked(sp)
	return view, true
}

// currentKeyOpLocked picks the operation carrying the current content
// key: among the causally maximal auth operations, the highest by
// (seq, author, ID). Pure function of the accepted set, so every
// replica selects the same key. Caller holds s.mu.
func (s *State) currentKeyOpLocked(sp *spaceState) types.OperationID {
	var winner *record
	for id := range sp.authFrontier {
		rec := s.records[id]
		if winner == nil || recordLess(winner, rec) {
			winner = rec
		}
	}
	if winner == nil {
		return types.OperationID{}
	}
	return winner.id
}

func recordLess(a, b *record) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	if a.actor != b.actor {
		return a.actor < b.actor
	}
	return a.id.Less(b.id)
}

// Roster derives the global roster view: each actor's highest access
// level across all spaces. Grows and shrinks with membership; the
// underlying applied-operation set only grows.
func (s *State) Roster() RosterView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roster := RosterView{Actors: make(map[types.ActorID]types.AccessLevel)}
	for space := range s.spaces {
		for actor, level := range s.viewLocked(space, includeAll) {
			if level > roster.Actors[actor] {
				roster.Actors[actor] = level
			}
		}
	}
	return roster
}

// AuthFrontier returns the causally maximal accepted membership
// operations for the space, sorted canonically. More than one element
// means concurrent membership branches have merged with no later
// membership operation covering both, so every frontier key predates
// some concurrent removal or grant.
func (s *State) AuthFrontier(space types.SpaceID) []types.OperationID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[space]
	if !ok {
		return nil
	}
	frontier := make([]types.OperationID, 0, len(sp.authFrontier))
	for id := range sp.authFrontier {
		frontier = append(frontier, id)
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].Less(frontier[j]) })
	return frontier
}

// Frontier returns the space's current frontier, sorted canonically.
func (s *State) Frontier(space types.SpaceID) []types.OperationID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[space]
	if !ok {
		return nil
	}
	frontier := make([]types.OperationID, 0, len(sp.frontier))
	for id := range sp.frontier {
		frontier = append(frontier, id)
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].Less(frontier[j]) })
	return frontier
}

// Epoch returns the space's current key epoch.
func (s *State) Epoch(space types.SpaceID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[space]
	if !ok {
		return 0
	}
	return uint64(len(sp.authOps))
}

// Applied reports whether an operation has been accepted.
func (s *State) Applied(id types.OperationID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}
