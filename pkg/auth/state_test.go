package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/spaces/pkg/auth"
	"github.com/relves/spaces/pkg/forge"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/types"
)

const garden = types.SpaceID("garden")

type testActor struct {
	t  *testing.T
	id *identity.Identity
	f  *forge.Forge
}

func newTestActor(t *testing.T) *testActor {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return &testActor{t: t, id: id, f: forge.New(id)}
}

func (a *testActor) actorID() types.ActorID {
	return a.f.ActorID()
}

// op forges the actor's next operation depending on the given parents.
func (a *testActor) op(action types.Action, parents ...*types.Operation) *types.Operation {
	a.t.Helper()
	frontier := make([]types.OperationID, len(parents))
	for i, parent := range parents {
		frontier[i] = opIDOf(a.t, parent)
	}
	op, err := a.f.Next(action, frontier)
	require.NoError(a.t, err)
	return op
}

// raw signs an operation without the forge, for crafting sequence
// violations the forge would never produce.
func (a *testActor) raw(seq uint64, action types.Action, parents ...*types.Operation) *types.Operation {
	a.t.Helper()
	previous := make([]types.OperationID, len(parents))
	for i, parent := range parents {
		previous[i] = opIDOf(a.t, parent)
	}
	op := &types.Operation{
		Author:   a.id.PublicKey(),
		Seq:      seq,
		Previous: previous,
		Action:   action,
	}
	payload, err := op.SigningBytes()
	require.NoError(a.t, err)
	op.Signature = a.id.Sign(payload)
	return op
}

func opIDOf(t *testing.T, op *types.Operation) types.OperationID {
	t.Helper()
	id, err := op.ID()
	require.NoError(t, err)
	return id
}

func mustApply(t *testing.T, s *auth.State, op *types.Operation) auth.Result {
	t.Helper()
	res, err := s.Apply(op)
	require.NoError(t, err)
	return res
}

func content(t *testing.T, space types.SpaceID) types.SendContent {
	t.Helper()
	keyOp, err := types.NewOperationID([]byte("key op"))
	require.NoError(t, err)
	return types.SendContent{
		Space:      space,
		Epoch:      1,
		KeyOp:      keyOp,
		Nonce:      []byte("nonce-nonce!"),
		Ciphertext: []byte("sealed"),
	}
}

func TestApply_CreateSpace(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: bob.actorID(), Access: types.AccessWrite}},
	})
	res := mustApply(t, s, create)
	assert.True(t, res.AuthChange)
	assert.Equal(t, uint64(1), res.Epoch)
	assert.False(t, res.Duplicate)

	view, ok := s.SpaceView(garden)
	require.True(t, ok)
	assert.Equal(t, types.AccessAdmin, view.Members[alice.actorID()], "creator is Admin implicitly")
	assert.Equal(t, types.AccessWrite, view.Members[bob.actorID()])
	assert.Equal(t, uint64(1), view.Epoch)
	assert.Equal(t, []types.OperationID{opIDOf(t, create)}, view.Frontier)
	assert.Equal(t, opIDOf(t, create), view.KeyOp)
}

func TestApply_Idempotent(t *testing.T) {
	alice := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	mustApply(t, s, create)

	res := mustApply(t, s, create)
	assert.True(t, res.Duplicate)
	assert.Equal(t, uint64(1), s.Epoch(garden), "re-apply must not advance the epoch")
}

func TestApply_SequenceValidation(t *testing.T) {
	alice := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	mustApply(t, s, create)

	gapped := alice.raw(2, types.SendContent(content(t, garden)), create)
	_, err := s.Apply(gapped)
	assert.ErrorIs(t, err, types.ErrValidation, "sequence gaps must be rejected")

	fresh := newTestActor(t)
	nonZero := fresh.raw(1, types.SendContent(content(t, garden)), create)
	_, err = s.Apply(nonZero)
	assert.ErrorIs(t, err, types.ErrValidation, "an author's first operation must carry sequence 0")
}

// Two operations by one author that do not chain each other must meet
// the same fate on every replica, whatever order they arrive in: the
// self-chain is checked against the operation's causal past, never
// against local arrival bookkeeping.
func TestApply_UnchainedSameAuthorOpsConvergeAcrossOrders(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: bob.actorID(), Access: types.AccessAdmin}},
	})
	first := bob.raw(0, types.AddMember{Space: garden, Member: "did:key:zCarol", Access: types.AccessRead}, create)
	// Sequence 1, but its causal past lacks bob's sequence-0 operation.
	second := bob.raw(1, types.AddMember{Space: garden, Member: "did:key:zDave", Access: types.AccessRead}, create)

	orders := [][]*types.Operation{
		{first, second},
		{second, first},
	}
	var views []auth.SpaceView
	for _, ops := range orders {
		s := auth.NewState(auth.Config{})
		mustApply(t, s, create)
		var rejected int
		for _, op := range ops {
			if _, err := s.Apply(op); err != nil {
				require.ErrorIs(t, err, types.ErrValidation)
				rejected++
			}
		}
		assert.Equal(t, 1, rejected, "the unchained operation is rejected in both orders")
		view, ok := s.SpaceView(garden)
		require.True(t, ok)
		views = append(views, view)
	}

	assert.Equal(t, views[0].Members, views[1].Members)
	assert.Equal(t, views[0].Epoch, views[1].Epoch)
	assert.Equal(t, views[0].KeyOp, views[1].KeyOp)
}

func TestApply_MissingDependency(t *testing.T) {
	alice := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	orphan := alice.op(content(t, garden), create)

	_, err := s.Apply(orphan)
	assert.ErrorIs(t, err, types.ErrValidation)
}

// The scenario: Alice removes Carol while Bob, unaware, concurrently
// raises Carol's access. On merge the removal wins on every replica no
// matter which branch arrived first, and Carol only returns through a
// grant causally after both.
func TestApply_StrongRemoval_OrderIndependent(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	carol := newTestActor(t)

	create := alice.op(types.CreateSpace{
		Space: garden,
		Members: []types.Grant{
			{Member: bob.actorID(), Access: types.AccessAdmin},
			{Member: carol.actorID(), Access: types.AccessWrite},
		},
	})
	remove := alice.op(types.RemoveMember{Space: garden, Member: carol.actorID()}, create)
	raise := bob.op(types.ChangeAccess{Space: garden, Member: carol.actorID(), Access: types.AccessAdmin}, create)
	regain := alice.op(types.AddMember{Space: garden, Member: carol.actorID(), Access: types.AccessRead}, remove, raise)

	orders := [][]*types.Operation{
		{create, remove, raise},
		{create, raise, remove},
	}
	for _, ops := range orders {
		s := auth.NewState(auth.Config{})
		for _, op := range ops {
			mustApply(t, s, op)
		}

		view, ok := s.SpaceView(garden)
		require.True(t, ok)
		assert.NotContains(t, view.Members, carol.actorID(),
			"concurrent removal must defeat the concurrent grant")
		assert.Equal(t, uint64(3), view.Epoch)

		// Causally-after re-grant restores membership.
		mustApply(t, s, regain)
		view, ok = s.SpaceView(garden)
		require.True(t, ok)
		assert.Equal(t, types.AccessRead, view.Members[carol.actorID()])
		assert.Equal(t, uint64(4), view.Epoch)
	}
}

func TestApply_ConvergesAcrossDeliveryOrders(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	carol := newTestActor(t)

	create := alice.op(types.CreateSpace{
		Space: garden,
		Members: []types.Grant{
			{Member: bob.actorID(), Access: types.AccessAdmin},
		},
	})
	addByAlice := alice.op(types.AddMember{Space: garden, Member: carol.actorID(), Access: types.AccessRead}, create)
	noteByBob := bob.op(content(t, garden), create)

	s1 := auth.NewState(auth.Config{})
	s2 := auth.NewState(auth.Config{})
	for _, op := range []*types.Operation{create, addByAlice, noteByBob} {
		mustApply(t, s1, op)
	}
	for _, op := range []*types.Operation{create, noteByBob, addByAlice} {
		mustApply(t, s2, op)
	}

	v1, ok := s1.SpaceView(garden)
	require.True(t, ok)
	v2, ok := s2.SpaceView(garden)
	require.True(t, ok)

	assert.Equal(t, v1.Members, v2.Members)
	assert.Equal(t, v1.Epoch, v2.Epoch)
	assert.ElementsMatch(t, v1.Frontier, v2.Frontier)
	assert.Equal(t, v1.KeyOp, v2.KeyOp, "replicas must select the same current key")
	assert.Equal(t, s1.Roster(), s2.Roster())
}

func TestApply_PermissionGate(t *testing.T) {
	alice := newTestActor(t)
	carol := newTestActor(t)
	dave := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space: garden,
		Members: []types.Grant{
			{Member: carol.actorID(), Access: types.AccessWrite},
			{Member: dave.actorID(), Access: types.AccessRead},
		},
	})
	mustApply(t, s, create)

	// Write cannot grant membership.
	overreach := carol.op(types.AddMember{Space: garden, Member: "did:key:zMallory", Access: types.AccessRead}, create)
	_, err := s.Apply(overreach)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	// Replaying a rejected operation stays rejected.
	_, err = s.Apply(overreach)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	// Read cannot write content.
	muted := dave.op(content(t, garden), create)
	_, err = s.Apply(muted)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	// Read cannot remove others.
	coup := dave.op(types.RemoveMember{Space: garden, Member: alice.actorID()}, create)
	_, err = s.Apply(coup)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	view, ok := s.SpaceView(garden)
	require.True(t, ok)
	assert.Len(t, view.Members, 3, "rejected operations contribute nothing to views")
	assert.Equal(t, uint64(1), view.Epoch)
}

func TestApply_RejectedOperationStillOrders(t *testing.T) {
	alice := newTestActor(t)
	carol := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: carol.actorID(), Access: types.AccessWrite}},
	})
	mustApply(t, s, create)

	rejected := carol.op(types.AddMember{Space: garden, Member: "did:key:zMallory", Access: types.AccessRead}, create)
	_, err := s.Apply(rejected)
	require.ErrorIs(t, err, types.ErrPermissionDenied)

	// Carol's next operation depends on the rejected one (her forge
	// chains it) and consumed sequence number 1; both must still pass.
	note := carol.op(content(t, garden), create)
	assert.Equal(t, uint64(1), note.Seq)
	res := mustApply(t, s, note)
	assert.False(t, res.AuthChange)
}

func TestApply_SelfRemovalNeedsNoPrivilege(t *testing.T) {
	alice := newTestActor(t)
	dave := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: dave.actorID(), Access: types.AccessRead}},
	})
	mustApply(t, s, create)

	leave := dave.op(types.RemoveMember{Space: garden, Member: dave.actorID()}, create)
	mustApply(t, s, leave)

	view, ok := s.SpaceView(garden)
	require.True(t, ok)
	assert.NotContains(t, view.Members, dave.actorID())
}

func TestApply_AddExistingMemberRejected(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: bob.actorID(), Access: types.AccessRead}},
	})
	mustApply(t, s, create)

	again := alice.op(types.AddMember{Space: garden, Member: bob.actorID(), Access: types.AccessWrite}, create)
	_, err := s.Apply(again)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestApply_RejectionReasonSurvivesRedelivery(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: bob.actorID(), Access: types.AccessRead}},
	})
	mustApply(t, s, create)

	// Rejected for validation, not permission: the member already
	// exists.
	again := alice.op(types.AddMember{Space: garden, Member: bob.actorID(), Access: types.AccessWrite}, create)
	_, err := s.Apply(again)
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Apply(again)
	assert.ErrorIs(t, err, types.ErrValidation, "re-delivery reports the original verdict")
	assert.NotErrorIs(t, err, types.ErrPermissionDenied)
}

func TestRollback_RestoresPriorState(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	mustApply(t, s, create)
	add := alice.op(types.AddMember{Space: garden, Member: bob.actorID(), Access: types.AccessWrite}, create)
	mustApply(t, s, add)

	require.NoError(t, s.Rollback(opIDOf(t, add)))

	view, ok := s.SpaceView(garden)
	require.True(t, ok)
	assert.NotContains(t, view.Members, bob.actorID())
	assert.Equal(t, uint64(1), view.Epoch)
	assert.Equal(t, []types.OperationID{opIDOf(t, create)}, view.Frontier)
	assert.Equal(t, opIDOf(t, create), view.KeyOp)

	// The withdrawn operation applies cleanly again.
	mustApply(t, s, add)
	view, ok = s.SpaceView(garden)
	require.True(t, ok)
	assert.Equal(t, types.AccessWrite, view.Members[bob.actorID()])

	// An operation with applied dependents stays put.
	err := s.Rollback(opIDOf(t, create))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAuthFrontier_TracksConcurrentBranches(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	carol := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{
		Space: garden,
		Members: []types.Grant{
			{Member: bob.actorID(), Access: types.AccessAdmin},
			{Member: carol.actorID(), Access: types.AccessWrite},
		},
	})
	mustApply(t, s, create)
	assert.Equal(t, []types.OperationID{opIDOf(t, create)}, s.AuthFrontier(garden))

	remove := alice.op(types.RemoveMember{Space: garden, Member: carol.actorID()}, create)
	raise := bob.op(types.ChangeAccess{Space: garden, Member: carol.actorID(), Access: types.AccessAdmin}, create)
	mustApply(t, s, remove)
	mustApply(t, s, raise)
	assert.Len(t, s.AuthFrontier(garden), 2, "concurrent membership branches stay on the frontier")

	cover := alice.op(types.AddMember{Space: garden, Member: carol.actorID(), Access: types.AccessRead}, remove, raise)
	mustApply(t, s, cover)
	assert.Equal(t, []types.OperationID{opIDOf(t, cover)}, s.AuthFrontier(garden),
		"a membership operation covering the merge collapses the frontier")
}

func TestApply_EpochAdvancesOnlyOnAuthChange(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	mustApply(t, s, create)
	assert.Equal(t, uint64(1), s.Epoch(garden))

	add := alice.op(types.AddMember{Space: garden, Member: bob.actorID(), Access: types.AccessWrite}, create)
	mustApply(t, s, add)
	assert.Equal(t, uint64(2), s.Epoch(garden))

	note := alice.op(content(t, garden), add)
	res := mustApply(t, s, note)
	assert.False(t, res.AuthChange)
	assert.Equal(t, uint64(2), s.Epoch(garden), "content must not advance the key epoch")

	demote := alice.op(types.ChangeAccess{Space: garden, Member: bob.actorID(), Access: types.AccessRead}, note)
	mustApply(t, s, demote)
	assert.Equal(t, uint64(3), s.Epoch(garden))
}

func TestApply_UnknownSpace(t *testing.T) {
	alice := newTestActor(t)
	s := auth.NewState(auth.Config{})

	note := alice.op(content(t, "nowhere"))
	_, err := s.Apply(note)
	assert.ErrorIs(t, err, types.ErrUnknownSpace)
}

func TestApply_ConcurrentCreatesMerge(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)

	createA := alice.op(types.CreateSpace{Space: garden})
	createB := bob.op(types.CreateSpace{Space: garden})

	orders := [][]*types.Operation{
		{createA, createB},
		{createB, createA},
	}
	var views []auth.SpaceView
	for _, ops := range orders {
		s := auth.NewState(auth.Config{})
		for _, op := range ops {
			mustApply(t, s, op)
		}
		view, ok := s.SpaceView(garden)
		require.True(t, ok)
		views = append(views, view)
	}

	assert.Equal(t, views[0].Members, views[1].Members)
	assert.Equal(t, types.AccessAdmin, views[0].Members[alice.actorID()])
	assert.Equal(t, types.AccessAdmin, views[0].Members[bob.actorID()])
	assert.Equal(t, uint64(2), views[0].Epoch)
	assert.Equal(t, views[0].KeyOp, views[1].KeyOp)
}

func TestApply_CreateAfterCreateRejected(t *testing.T) {
	alice := newTestActor(t)
	bob := newTestActor(t)
	s := auth.NewState(auth.Config{})

	create := alice.op(types.CreateSpace{Space: garden})
	mustApply(t, s, create)

	duplicate := bob.op(types.CreateSpace{Space: garden}, create)
	_, err := s.Apply(duplicate)
	assert.ErrorIs(t, err, types.ErrSpaceExists)
}

func TestRoster_HighestLevelAcrossSpaces(t *testing.T) {
	alice := newTestActor(t)
	carol := newTestActor(t)
	s := auth.NewState(auth.Config{})

	first := alice.op(types.CreateSpace{
		Space:   garden,
		Members: []types.Grant{{Member: carol.actorID(), Access: types.AccessRead}},
	})
	mustApply(t, s, first)

	second := carol.op(types.CreateSpace{Space: "workshop"}, first)
	mustApply(t, s, second)

	roster := s.Roster()
	assert.Equal(t, types.AccessAdmin, roster.Actors[carol.actorID()],
		"roster reports the highest level held anywhere")
	assert.Equal(t, types.AccessAdmin, roster.Actors[alice.actorID()])
}

func TestSpaceIDs(t *testing.T) {
	alice := newTestActor(t)
	s := auth.NewState(auth.Config{})

	a := alice.op(types.CreateSpace{Space: "b-space"})
	b := alice.op(types.CreateSpace{Space: "a-space"}, a)
	mustApply(t, s, a)
	mustApply(t, s, b)

	assert.Equal(t, []types.SpaceID{"a-space", "b-space"}, s.SpaceIDs())
	assert.True(t, s.HasSpace("a-space"))
	assert.False(t, s.HasSpace("c-space"))
}
