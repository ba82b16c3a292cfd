// Package spaces ties the layers together behind one Manager per local
// actor: authoring membership and content operations, receiving remote
// envelopes through causal ordering into the authorization state
// machine, rotating and receiving space keys, and persisting derived
// views.
package spaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relves/spaces/internal/storage"
	"github.com/relves/spaces/pkg/auth"
	"github.com/relves/spaces/pkg/forge"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/order"
	"github.com/relves/spaces/pkg/types"
)

const (
	defaultPreKeyLifetime = 30 * 24 * time.Hour
	defaultOneTimeKeys    = 16
)

// Manager is the replica facade for one local actor.
type Manager struct {
	id     *identity.Identity
	forge  *forge.Forge
	state  *auth.State
	order  *order.Orderer
	keys   *keys.Manager
	store  storage.Store
	logger *slog.Logger

	preKeyLifetime time.Duration
	oneTimeKeys    int

	// author serializes every state-machine mutation. The local actor's
	// operations form a single self-chained log, so authoring cannot be
	// parallelized even across spaces: an operation must be applied
	// before the next one is forged on top of it. Reads go through the
	// state machine's own read lock.
	author chan struct{}

	// inbound holds received rotations whose carrying operation has not
	// been accepted yet: shares of buffered operations wait with them,
	// and shares of rejected operations are dropped without depositing
	// key material. Guarded by the authoring slot.
	inbound map[types.OperationID]inboundRotation
}

// inboundRotation is a received key rotation waiting for its carrying
// operation to be accepted.
type inboundRotation struct {
	sender   types.ActorID
	rotation *keys.Rotation
}

// Config configures a Manager.
type Config struct {
	// Identity is the local actor. Required.
	Identity *identity.Identity
	// Store persists operations, derived views, and local secrets.
	// Required.
	Store storage.Store
	// Registry is the pre-key registry, shared between actors in a
	// deployment. Default: the Store itself (single-process setups).
	Registry keys.RegistryStore
	// Resolver merges concurrent membership conflicts.
	// Default: auth.StrongRemove.
	Resolver auth.Resolver
	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
	// Now supplies the clock, for tests. Default: time.Now.
	Now func() time.Time
	// PreKeyLifetime bounds published bundle validity. Default: 30 days.
	PreKeyLifetime time.Duration
	// OneTimeKeys is how many one-time pre-keys Register publishes.
	// Default: 16.
	OneTimeKeys int
}

// New creates a Manager. Register must be called once before the actor
// can receive key material from others.
func New(cfg Config) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("Identity is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PreKeyLifetime <= 0 {
		cfg.PreKeyLifetime = defaultPreKeyLifetime
	}
	if cfg.OneTimeKeys <= 0 {
		cfg.OneTimeKeys = defaultOneTimeKeys
	}
	if cfg.Registry == nil {
		cfg.Registry = cfg.Store
	}

	keyManager, err := keys.NewManager(keys.ManagerConfig{
		Identity: cfg.Identity,
		Registry: cfg.Registry,
		Secrets:  cfg.Store,
		Logger:   cfg.Logger,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	author := make(chan struct{}, 1)
	author <- struct{}{}

	return &Manager{
		id:             cfg.Identity,
		forge:          forge.New(cfg.Identity),
		state:          auth.NewState(auth.Config{Resolver: cfg.Resolver}),
		order:          order.New(order.Config{Logger: cfg.Logger}),
		keys:           keyManager,
		store:          cfg.Store,
		logger:         cfg.Logger,
		preKeyLifetime: cfg.PreKeyLifetime,
		oneTimeKeys:    cfg.OneTimeKeys,
		author:         author,
		inbound:        make(map[types.OperationID]inboundRotation),
	}, nil
}

// ActorID returns the local actor's identifier.
func (m *Manager) ActorID() types.ActorID {
	return m.id.ActorID()
}

// Register publishes the actor's pre-key bundle to the registry. Must
// run once before other actors can seal key shares to this one.
func (m *Manager) Register(ctx context.Context) error {
	return m.keys.Publish(ctx, m.preKeyLifetime, m.oneTimeKeys)
}

// Replenish publishes count additional one-time pre-keys.
func (m *Manager) Replenish(ctx context.Context, count int) error {
	return m.keys.Replenish(ctx, count)
}

// OneTimeRemaining reports the unconsumed one-time pre-keys in the
// actor's published bundle.
func (m *Manager) OneTimeRemaining(ctx context.Context) (int, error) {
	return m.keys.OneTimeRemaining(ctx)
}

// lock acquires the authoring slot, respecting context cancellation.
func (m *Manager) lock(ctx context.Context) error {
	select {
	case <-m.author:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() {
	m.author <- struct{}{}
}

// CreateSpace establishes a new space with the local actor as Admin and
// the given initial grants, rotates in the first epoch key, and returns
// the envelope to disseminate. ErrSpaceExists when this replica already
// knows the space.
func (m *Manager) CreateSpace(ctx context.Context, space types.SpaceID, members []types.Grant) (*Envelope, error) {
	if space == "" {
		return nil, fmt.Errorf("%w: empty space ID", types.ErrValidation)
	}
	for _, grant := range members {
		if grant.Member == m.id.ActorID() {
			return nil, fmt.Errorf("%w: creator is Admin implicitly", types.ErrValidation)
		}
	}

	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if m.state.HasSpace(space) {
		return nil, fmt.Errorf("%w: %s", types.ErrSpaceExists, space)
	}

	return m.authorLocked(ctx, types.CreateSpace{Space: space, Members: members}, nil, nil)
}

// AddMember grants an actor membership. Requires Admin.
func (m *Manager) AddMember(ctx context.Context, space types.SpaceID, member types.ActorID, access types.AccessLevel) (*Envelope, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	view, err := m.requireLocked(space, types.AccessAdmin)
	if err != nil {
		return nil, err
	}
	return m.authorLocked(ctx, types.AddMember{Space: space, Member: member, Access: access}, view.Frontier, nil)
}

// RemoveMember revokes an actor's membership. Removing another actor
// requires Admin; removing oneself (leaving) requires only membership.
func (m *Manager) RemoveMember(ctx context.Context, space types.SpaceID, member types.ActorID) (*Envelope, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	required := types.AccessAdmin
	if member == m.id.ActorID() {
		required = types.AccessRead
	}
	view, err := m.requireLocked(space, required)
	if err != nil {
		return nil, err
	}
	return m.authorLocked(ctx, types.RemoveMember{Space: space, Member: member}, view.Frontier, nil)
}

// ChangeAccess replaces a member's access level. Requires Admin.
func (m *Manager) ChangeAccess(ctx context.Context, space types.SpaceID, member types.ActorID, access types.AccessLevel) (*Envelope, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	view, err := m.requireLocked(space, types.AccessAdmin)
	if err != nil {
		return nil, err
	}
	return m.authorLocked(ctx, types.ChangeAccess{Space: space, Member: member, Access: access}, view.Frontier, nil)
}

// Send encrypts plaintext under the space's current epoch key and
// forges a content operation. Requires Write. While concurrent
// membership branches are merged but unresolved, every frontier key was
// distributed to some branch's pre-merge member set — possibly
// including an actor a concurrent operation removed — so the content is
// sealed under a fresh single-use key instead, distributed to the
// merged member set in the content's own envelope.
func (m *Manager) Send(ctx context.Context, space types.SpaceID, plaintext []byte) (*Envelope, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	view, err := m.requireLocked(space, types.AccessWrite)
	if err != nil {
		return nil, err
	}

	if len(m.state.AuthFrontier(space)) > 1 {
		content, key, err := m.keys.SealDetached(space, view.Epoch, plaintext)
		if err != nil {
			return nil, err
		}
		return m.authorLocked(ctx, content, view.Frontier, key)
	}

	if !view.KeyOp.Defined() {
		return nil, fmt.Errorf("%w: space %s has no current key", types.ErrCrypto, space)
	}
	content, err := m.keys.SealContent(ctx, space, view.KeyOp, plaintext)
	if err != nil {
		return nil, err
	}
	return m.authorLocked(ctx, content, view.Frontier, nil)
}

// requireLocked is the fast local gate for authoring: the space must be
// known and the local actor must hold at least the given level in the
// current merged view. The state machine re-gates against the
// operation's causal view on apply, which is what actually decides.
func (m *Manager) requireLocked(space types.SpaceID, level types.AccessLevel) (auth.SpaceView, error) {
	view, ok := m.state.SpaceView(space)
	if !ok {
		return auth.SpaceView{}, fmt.Errorf("%w: %s", types.ErrUnknownSpace, space)
	}
	if view.Members[m.id.ActorID()] < level {
		return auth.SpaceView{}, fmt.Errorf("%w: %s requires %s in %s", types.ErrPermissionDenied, m.id.ActorID(), level, space)
	}
	return view, nil
}

// authorLocked forges and commits one local operation. A failed commit
// withdraws the operation and restores the forge cursor, so neither the
// sequence number nor the self-parent link is burned on an operation
// that never entered the log (a dependent forged on top of it would
// strand every remote replica, since a withdrawn operation is never
// disseminated). Caller holds the authoring slot.
func (m *Manager) authorLocked(ctx context.Context, action types.Action, frontier []types.OperationID, contentKey []byte) (*Envelope, error) {
	next, last := m.forge.Position()
	op, err := m.forge.Next(action, frontier)
	if err != nil {
		return nil, err
	}
	env, err := m.commitLocked(ctx, op, contentKey)
	if err != nil {
		if id, idErr := op.ID(); idErr == nil && !m.state.Applied(id) {
			m.forge.Resume(next, last)
		}
		return nil, err
	}
	return env, nil
}

// commitLocked applies a locally forged operation, distributes key
// material, persists the operation and the derived views, and wraps
// everything for dissemination. Key distribution happens before
// anything is persisted: a failed rotation — an unregistered or expired
// member bundle — withdraws the operation and leaves the replica
// exactly as it was, instead of applying a membership change whose key
// nobody can receive. contentKey, when set, is the detached single-use
// key the operation's content was sealed under, distributed under the
// operation's own ID. Caller holds the authoring slot.
func (m *Manager) commitLocked(ctx context.Context, op *types.Operation, contentKey []byte) (*Envelope, error) {
	data, err := op.Encode()
	if err != nil {
		return nil, err
	}
	id, err := op.ID()
	if err != nil {
		return nil, err
	}

	res, err := m.state.Apply(op)
	if err != nil {
		return nil, err
	}
	withdraw := func(stage string) {
		if rbErr := m.state.Rollback(id); rbErr != nil {
			m.logger.Error("withdraw operation",
				"operation", id.String(), "stage", stage, "error", rbErr)
		}
	}

	env := &Envelope{Operation: data}
	if res.AuthChange || contentKey != nil {
		view, ok := m.state.SpaceView(res.Space)
		if !ok {
			withdraw("view")
			return nil, fmt.Errorf("%w: %s vanished after apply", types.ErrUnknownSpace, res.Space)
		}
		members := make([]types.ActorID, 0, len(view.Members))
		for member := range view.Members {
			members = append(members, member)
		}
		var rotation *keys.Rotation
		if res.AuthChange {
			rotation, err = m.keys.Rotate(ctx, res.Space, res.Epoch, res.ID, members)
		} else {
			rotation, err = m.keys.Distribute(ctx, res.Space, res.Epoch, res.ID, members, contentKey)
		}
		if err != nil {
			withdraw("rotate")
			return nil, err
		}
		env.Rotation = rotation
	}

	if err := m.store.SetOperation(ctx, id, op); err != nil {
		withdraw("persist")
		return nil, fmt.Errorf("persist operation: %w", err)
	}
	m.order.MarkDelivered(id)

	if err := m.persistViews(ctx, res.Space); err != nil {
		return nil, err
	}

	m.logger.Info("operation committed",
		"operation", res.ID.String(), "space", res.Space, "epoch", res.Epoch)
	return env, nil
}

// Receive ingests one envelope from the dissemination layer. The
// operation is verified, submitted to the causal orderer, and every
// released operation is applied and persisted. A rotation waits with
// its operation: shares of buffered operations are held until their
// dependencies arrive, and shares of rejected operations are dropped
// without ever depositing key material. Permission-rejected operations
// are kept in the operation store and occupy their place in the order,
// but change no views. Returns the IDs accepted this call.
func (m *Manager) Receive(ctx context.Context, data []byte) ([]types.OperationID, error) {
	env, op, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	id, err := op.ID()
	if err != nil {
		return nil, err
	}

	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if env.Rotation != nil && !m.order.Delivered(id) {
		sender, err := op.ActorID()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
		m.inbound[id] = inboundRotation{sender: sender, rotation: env.Rotation}
	}

	released, err := m.order.Submit(op)
	if err != nil {
		return nil, err
	}
	return m.ingestLocked(ctx, released)
}

// ingestLocked applies released operations and persists them plus the
// views they touched. Caller holds the authoring slot.
func (m *Manager) ingestLocked(ctx context.Context, released []*types.Operation) ([]types.OperationID, error) {
	var accepted []types.OperationID
	touched := make(map[types.SpaceID]struct{})
	for _, rop := range released {
		id, err := rop.ID()
		if err != nil {
			return accepted, err
		}
		if err := m.store.SetOperation(ctx, id, rop); err != nil {
			return accepted, fmt.Errorf("persist operation: %w", err)
		}

		res, err := m.state.Apply(rop)
		switch {
		case err == nil:
			accepted = append(accepted, res.ID)
			touched[res.Space] = struct{}{}
			if in, ok := m.inbound[id]; ok {
				delete(m.inbound, id)
				if err := m.keys.ReceiveRotation(ctx, in.sender, in.rotation); err != nil {
					// Undecryptable shares mean this actor is outside
					// the new epoch; the operation stands regardless.
					m.logger.Debug("rotation share not opened",
						"operation", id.String(), "error", err)
				}
			}
		case errors.Is(err, types.ErrPermissionDenied),
			errors.Is(err, types.ErrSpaceExists),
			errors.Is(err, types.ErrUnknownSpace),
			errors.Is(err, types.ErrValidation):
			delete(m.inbound, id)
			m.logger.Warn("operation rejected", "operation", id.String(), "error", err)
		default:
			return accepted, err
		}
	}

	for space := range touched {
		if err := m.persistViews(ctx, space); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

// Rehydrate replays the persisted operation log into the in-memory
// state machine after a restart, and resumes the forge after the local
// actor's latest persisted operation. Stores that cannot enumerate
// their operations are skipped.
func (m *Manager) Rehydrate(ctx context.Context) error {
	lister, ok := m.store.(storage.OperationLister)
	if !ok {
		return nil
	}
	ops, err := lister.Operations(ctx)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	for _, op := range ops {
		released, err := m.order.Submit(op)
		if err != nil {
			return err
		}
		if _, err := m.ingestLocked(ctx, released); err != nil {
			return err
		}
	}

	var next uint64
	var last types.OperationID
	for _, op := range ops {
		actor, err := op.ActorID()
		if err != nil || actor != m.id.ActorID() {
			continue
		}
		if op.Seq+1 > next {
			next = op.Seq + 1
			if last, err = op.ID(); err != nil {
				return err
			}
		}
	}
	if next > 0 {
		m.forge.Resume(next, last)
	}

	m.logger.Info("replica rehydrated",
		"operations", len(ops), "pending", m.order.PendingCount())
	return nil
}

// Open decrypts a previously received content operation from the store.
func (m *Manager) Open(ctx context.Context, id types.OperationID) ([]byte, error) {
	op, err := m.store.Operation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: operation %s not stored", types.ErrValidation, id)
	}
	content, ok := op.Action.(types.SendContent)
	if !ok {
		return nil, fmt.Errorf("%w: operation %s carries no content", types.ErrValidation, id)
	}
	return m.keys.OpenContent(ctx, id, content)
}

// SpaceView returns the current merged view of a space.
func (m *Manager) SpaceView(ctx context.Context, space types.SpaceID) (auth.SpaceView, error) {
	view, ok := m.state.SpaceView(space)
	if !ok {
		return auth.SpaceView{}, fmt.Errorf("%w: %s", types.ErrUnknownSpace, space)
	}
	return view, nil
}

// RosterView returns the global roster: each known actor's highest
// access level across spaces.
func (m *Manager) RosterView(ctx context.Context) auth.RosterView {
	return m.state.Roster()
}

// Spaces lists the spaces this replica has views of.
func (m *Manager) Spaces() []types.SpaceID {
	return m.state.SpaceIDs()
}

// Applied reports whether an operation has been accepted by the state
// machine.
func (m *Manager) Applied(id types.OperationID) bool {
	return m.state.Applied(id)
}

// Pending reports how many received operations are buffered awaiting
// causal dependencies.
func (m *Manager) Pending() int {
	return m.order.PendingCount()
}

func (m *Manager) persistViews(ctx context.Context, space types.SpaceID) error {
	if view, ok := m.state.SpaceView(space); ok {
		if err := m.store.SetSpace(ctx, space, view); err != nil {
			return fmt.Errorf("persist space view: %w", err)
		}
	}
	if err := m.store.SetRoster(ctx, m.state.Roster()); err != nil {
		return fmt.Errorf("persist roster: %w", err)
	}
	return nil
}
