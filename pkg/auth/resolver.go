package auth

import (
	"github.com/relves/spaces/pkg/types"
)

// MemberOp is one membership-affecting effect on a single (space,
// actor) pair, extracted from an accepted operation. A CreateSpace
// yields one MemberOp per initial grant (and one for the implicit
// Admin grant to the creator); Add/Change/Remove yield exactly one.
type MemberOp struct {
	// ID of the operation the effect came from.
	ID types.OperationID
	// Author of the operation.
	Author types.ActorID
	// Seq is the operation's per-author sequence number.
	Seq uint64
	// Grant is the access level granted; meaningless when Remove.
	Grant types.AccessLevel
	// Remove marks a RemoveMember effect.
	Remove bool
}

// Resolver merges the causally maximal, pairwise-concurrent operations
// touching one (space, actor) pair into a single access level. It must
// be a pure function of the operations' content — never of arrival
// order — so that all replicas converge. AccessNone means the actor is
// not a member.
//
// The state machine injects the resolver, so alternative
// conflict-resolution policies can be substituted without touching the
// apply logic.
type Resolver interface {
	Resolve(space types.SpaceID, member types.ActorID, concurrent []MemberOp) types.AccessLevel
}

// StrongRemove is the shipped resolution policy: a removal among
// concurrent operations is sticky. If any of the concurrent operations
// removes the actor, the merged result removes the actor regardless of
// any concurrent grant — a revocation must never be silently undone by
// a party unaware of it. The actor can only regain access via a new
// operation causally after the removal (at which point the removal is
// no longer among the maximal operations and is not seen here).
//
// Ties among concurrent grants are broken by (Seq, Author, ID),
// highest wins: a deterministic total order over operation content.
type StrongRemove struct{}

// Resolve implements Resolver.
func (StrongRemove) Resolve(_ types.SpaceID, _ types.ActorID, concurrent []MemberOp) types.AccessLevel {
	var winner *MemberOp
	for i := range concurrent {
		op := &concurrent[i]
		if op.Remove {
			return types.AccessNone
		}
		if winner == nil || grantLess(winner, op) {
			winner = op
		}
	}
	if winner == nil {
		return types.AccessNone
	}
	return winner.Grant
}

// grantLess orders grants by (Seq, Author, ID).
func grantLess(a, b *MemberOp) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return a.ID.Less(b.ID)
}
