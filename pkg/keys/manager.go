package keys

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/types"
)

// RegistryStore is the published pre-key registry contract. A nil
// bundle with a nil error means the actor has published nothing.
type RegistryStore interface {
	Registry(ctx context.Context, actor types.ActorID) (*PreKeyBundle, error)
	SetRegistry(ctx context.Context, actor types.ActorID, bundle *PreKeyBundle) error
}

// SecretStore holds the local actor's private key material.
type SecretStore interface {
	Secrets(ctx context.Context) (*SecretState, error)
	SetSecrets(ctx context.Context, state *SecretState) error
}

// Manager drives the key-agreement layer for one local actor: bundle
// publication and lifecycle, epoch key rotation on membership change,
// and content encryption under the current epoch key.
type Manager struct {
	id       *identity.Identity
	registry RegistryStore
	secrets  SecretStore
	logger   *slog.Logger
	now      func() time.Time

	// mu serializes read-modify-write cycles on the secret store so a
	// rotation and a received rotation cannot lose each other's keys.
	mu sync.Mutex
}

// ManagerConfig configures a key Manager.
type ManagerConfig struct {
	// Identity is the local actor. Required.
	Identity *identity.Identity
	// Registry is the pre-key registry store. Required.
	Registry RegistryStore
	// Secrets is the local secret store. Required.
	Secrets SecretStore
	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
	// Now supplies the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// NewManager creates a key Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("Identity is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("Secrets is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		id:       cfg.Identity,
		registry: cfg.Registry,
		secrets:  cfg.Secrets,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Publish generates and publishes a fresh pre-key bundle valid for
// lifetime, with oneTimeCount one-time pre-keys. Previous pre-key
// secrets are retained so in-flight shares still open.
func (m *Manager) Publish(ctx context.Context, lifetime time.Duration, oneTimeCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadSecrets(ctx)
	if err != nil {
		return err
	}

	preKey, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}

	notBefore := m.now().UTC().Truncate(time.Second)
	notAfter := notBefore.Add(lifetime).Truncate(time.Second)
	payload, err := preKeySigningBytes(m.id.ActorID(), preKey.public, notBefore, notAfter)
	if err != nil {
		return err
	}

	bundle := &PreKeyBundle{
		Actor:      m.id.ActorID(),
		SigningKey: m.id.PublicKey(),
		SignedPreKey: SignedPreKey{
			Key:       preKey.public,
			NotBefore: notBefore,
			NotAfter:  notAfter,
			Signature: m.id.Sign(payload),
		},
	}

	state.PreKeySecrets[hex.EncodeToString(preKey.public)] = preKey.private

	oneTime, err := m.mintOneTime(state, oneTimeCount)
	if err != nil {
		return err
	}
	bundle.OneTimeKeys = oneTime

	if err := m.secrets.SetSecrets(ctx, state); err != nil {
		return fmt.Errorf("persist secrets: %w", err)
	}
	if err := m.registry.SetRegistry(ctx, m.id.ActorID(), bundle); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}

	m.logger.Info("pre-key bundle published",
		"actor", m.id.ActorID(),
		"not_after", notAfter.Format(time.RFC3339),
		"one_time_keys", len(oneTime))
	return nil
}

// Replenish mints count new one-time pre-keys and appends them to the
// published bundle, clearing an exhaustion condition.
func (m *Manager) Replenish(ctx context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle, err := m.registry.Registry(ctx, m.id.ActorID())
	if err != nil {
		return fmt.Errorf("fetch own bundle: %w", err)
	}
	if bundle == nil {
		return fmt.Errorf("%w: no published bundle to replenish", types.ErrCrypto)
	}

	state, err := m.loadSecrets(ctx)
	if err != nil {
		return err
	}
	oneTime, err := m.mintOneTime(state, count)
	if err != nil {
		return err
	}
	bundle.OneTimeKeys = append(bundle.OneTimeKeys, oneTime...)

	if err := m.secrets.SetSecrets(ctx, state); err != nil {
		return fmt.Errorf("persist secrets: %w", err)
	}
	if err := m.registry.SetRegistry(ctx, m.id.ActorID(), bundle); err != nil {
		return fmt.Errorf("publish replenished bundle: %w", err)
	}
	return nil
}

func (m *Manager) mintOneTime(state *SecretState, count int) ([]OneTimePreKey, error) {
	minted := make([]OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := generateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
		}
		id := state.NextOneTimeID
		state.NextOneTimeID++
		state.OneTimeSecrets[id] = pair.private
		minted = append(minted, OneTimePreKey{ID: id, Key: pair.public})
	}
	return minted, nil
}

// Rotate creates a fresh content key for the space's new epoch and
// seals it to every member of the post-merge view except the local
// actor, whose copy goes straight into the secret store. Removed
// members simply receive no share.
func (m *Manager) Rotate(ctx context.Context, space types.SpaceID, epoch uint64, keyOp types.OperationID, members []types.ActorID) (*Rotation, error) {
	key, err := newEpochKey()
	if err != nil {
		return nil, err
	}
	return m.Distribute(ctx, space, epoch, keyOp, members, key)
}

// Distribute seals an existing content key to every member except the
// local actor, whose copy goes straight into the secret store under
// keyOp. Rotate mints the key itself; Distribute alone serves keys
// minted before the carrying operation's ID was known. Per-member
// sealing is independent and runs concurrently.
func (m *Manager) Distribute(ctx context.Context, space types.SpaceID, epoch uint64, keyOp types.OperationID, members []types.ActorID, key []byte) (*Rotation, error) {
	rotation := &Rotation{Space: space, Epoch: epoch, KeyOp: keyOp}

	recipients := make([]types.ActorID, 0, len(members))
	for _, member := range members {
		if member != m.id.ActorID() {
			recipients = append(recipients, member)
		}
	}

	shares := make([]Share, len(recipients))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, member := range recipients {
		group.Go(func() error {
			share, exhausted, err := m.sealTo(groupCtx, member, space, epoch, keyOp, key)
			if err != nil {
				return err
			}
			if exhausted {
				m.logger.Warn("recipient one-time pre-keys exhausted, sealed with signed pre-key only",
					"actor", member, "space", space)
			}
			shares[i] = share
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	rotation.Shares = shares

	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.loadSecrets(ctx)
	if err != nil {
		return nil, err
	}
	state.PutEpochKey(space, keyOp, epoch, key)
	if err := m.secrets.SetSecrets(ctx, state); err != nil {
		return nil, fmt.Errorf("persist secrets: %w", err)
	}

	m.logger.Info("space key distributed",
		"space", space, "epoch", epoch, "key_op", keyOp.String(), "members", len(members))
	return rotation, nil
}

// sealTo fetches member's bundle, consumes a one-time pre-key from it,
// and seals the epoch key. The consumed one-time key is written back
// to the registry so no second agreement reuses it.
func (m *Manager) sealTo(ctx context.Context, member types.ActorID, space types.SpaceID, epoch uint64, keyOp types.OperationID, key []byte) (Share, bool, error) {
	bundle, err := m.registry.Registry(ctx, member)
	if err != nil {
		return Share{}, false, fmt.Errorf("fetch bundle for %s: %w", member, err)
	}
	if bundle == nil {
		return Share{}, false, fmt.Errorf("%w: no pre-key bundle published for %s", types.ErrCrypto, member)
	}
	if err := bundle.Verify(m.now()); err != nil {
		return Share{}, false, err
	}

	before := len(bundle.OneTimeKeys)
	share, exhausted, err := sealShare(bundle, key, shareAD(m.id.ActorID(), space, epoch, keyOp, member))
	if err != nil {
		return Share{}, false, err
	}
	if len(bundle.OneTimeKeys) != before {
		if err := m.registry.SetRegistry(ctx, member, bundle); err != nil {
			return Share{}, false, fmt.Errorf("consume one-time pre-key for %s: %w", member, err)
		}
	}
	return share, exhausted, nil
}

// ReceiveRotation opens the local actor's share of a rotation authored
// by sender, if one is present, and stores the epoch key. A rotation
// without a share for the local actor is not an error: the actor is
// simply outside the new epoch's membership.
func (m *Manager) ReceiveRotation(ctx context.Context, sender types.ActorID, rotation *Rotation) error {
	var share *Share
	for i := range rotation.Shares {
		if rotation.Shares[i].Member == m.id.ActorID() {
			share = &rotation.Shares[i]
			break
		}
	}
	if share == nil {
		m.logger.Debug("rotation carries no share for local actor",
			"space", rotation.Space, "epoch", rotation.Epoch)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadSecrets(ctx)
	if err != nil {
		return err
	}

	key, err := openShare(share, state, shareAD(sender, rotation.Space, rotation.Epoch, rotation.KeyOp, share.Member))
	if err != nil {
		return err
	}

	// A one-time secret is single-use; drop it after a successful
	// agreement.
	if share.OneTimeID != 0 {
		delete(state.OneTimeSecrets, share.OneTimeID)
	}

	state.PutEpochKey(rotation.Space, rotation.KeyOp, rotation.Epoch, key)
	if err := m.secrets.SetSecrets(ctx, state); err != nil {
		return fmt.Errorf("persist secrets: %w", err)
	}

	m.logger.Debug("epoch key received",
		"space", rotation.Space, "epoch", rotation.Epoch)
	return nil
}

// SealContent encrypts plaintext under the epoch key identified by
// keyOp. ErrCrypto when the key is not held.
func (m *Manager) SealContent(ctx context.Context, space types.SpaceID, keyOp types.OperationID, plaintext []byte) (types.SendContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadSecrets(ctx)
	if err != nil {
		return types.SendContent{}, err
	}
	key, ok := state.EpochKeyFor(space, keyOp)
	if !ok {
		return types.SendContent{}, fmt.Errorf("%w: no key for epoch operation %s", types.ErrCrypto, keyOp)
	}

	nonce, ciphertext, err := sealContent(key, space, keyOp, plaintext)
	if err != nil {
		return types.SendContent{}, err
	}
	return types.SendContent{
		Space:      space,
		Epoch:      key.Epoch,
		KeyOp:      keyOp,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// SealDetached encrypts plaintext under a fresh single-use key and
// returns both, for content sent while concurrent membership branches
// are unresolved: no frontier key is then guaranteed to exclude a
// concurrently removed member, so the key travels with the operation
// itself. The returned content carries no key reference — recipients
// index the key by the carrying operation's ID — and the caller hands
// the key to Distribute once that ID is known.
func (m *Manager) SealDetached(space types.SpaceID, epoch uint64, plaintext []byte) (types.SendContent, []byte, error) {
	key, err := newEpochKey()
	if err != nil {
		return types.SendContent{}, nil, err
	}
	nonce, ciphertext, err := sealContent(EpochKey{Epoch: epoch, Key: key}, space, types.OperationID{}, plaintext)
	if err != nil {
		return types.SendContent{}, nil, err
	}
	return types.SendContent{
		Space:      space,
		Epoch:      epoch,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, key, nil
}

// OpenContent decrypts a content message carried by operation op.
// Content without a key reference opens with the key that traveled in
// its own envelope, indexed by op. A recipient that was never given
// the referenced key — removed before the rotation, or added after
// it — fails with ErrCrypto; that failure is the encryption layer
// doing its job, not a defect.
func (m *Manager) OpenContent(ctx context.Context, op types.OperationID, content types.SendContent) ([]byte, error) {
	keyOp := content.KeyOp
	if !keyOp.Defined() {
		keyOp = op
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadSecrets(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := state.EpochKeyFor(content.Space, keyOp)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d key for space %s not held", types.ErrCrypto, content.Epoch, content.Space)
	}
	return openContent(key, content)
}

// OneTimeRemaining reports how many one-time pre-keys remain in the
// actor's published bundle. Zero means exhausted: agreements still
// succeed on the signed pre-key alone, but Replenish should be called.
func (m *Manager) OneTimeRemaining(ctx context.Context) (int, error) {
	bundle, err := m.registry.Registry(ctx, m.id.ActorID())
	if err != nil {
		return 0, fmt.Errorf("fetch own bundle: %w", err)
	}
	if bundle == nil {
		return 0, fmt.Errorf("%w: no published bundle", types.ErrCrypto)
	}
	return len(bundle.OneTimeKeys), nil
}

func (m *Manager) loadSecrets(ctx context.Context) (*SecretState, error) {
	state, err := m.secrets.Secrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	if state == nil {
		state = NewSecretState()
	}
	if state.PreKeySecrets == nil {
		state.PreKeySecrets = make(map[string][]byte)
	}
	if state.OneTimeSecrets == nil {
		state.OneTimeSecrets = make(map[uint64][]byte)
	}
	if state.NextOneTimeID == 0 {
		state.NextOneTimeID = 1
	}
	if state.EpochKeys == nil {
		state.EpochKeys = make(map[types.SpaceID]map[string]EpochKey)
	}
	return state, nil
}
