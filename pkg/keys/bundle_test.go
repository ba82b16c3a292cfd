package keys_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/spaces/internal/storage/memory"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/types"
)

func publishedBundle(t *testing.T, now time.Time, lifetime time.Duration, oneTime int) (*keys.PreKeyBundle, *keys.Manager) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	store := memory.New()
	manager, err := keys.NewManager(keys.ManagerConfig{
		Identity: id,
		Registry: store,
		Secrets:  store,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	require.NoError(t, manager.Publish(context.Background(), lifetime, oneTime))

	bundle, err := store.Registry(context.Background(), id.ActorID())
	require.NoError(t, err)
	require.NotNil(t, bundle)
	return bundle, manager
}

func TestBundle_Verify(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bundle, _ := publishedBundle(t, now, time.Hour, 2)

	assert.NoError(t, bundle.Verify(now))
	assert.NoError(t, bundle.Verify(now.Add(59*time.Minute)))
}

func TestBundle_VerifyOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bundle, _ := publishedBundle(t, now, time.Hour, 2)

	assert.ErrorIs(t, bundle.Verify(now.Add(2*time.Hour)), types.ErrCrypto, "expired")
	assert.ErrorIs(t, bundle.Verify(now.Add(-time.Minute)), types.ErrCrypto, "not yet valid")
}

func TestBundle_VerifyRejectsTamperedPreKey(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bundle, _ := publishedBundle(t, now, time.Hour, 0)

	bundle.SignedPreKey.Key[0] ^= 0x01
	assert.ErrorIs(t, bundle.Verify(now), types.ErrCrypto)
}

func TestBundle_VerifyRejectsForeignSigningKey(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bundle, _ := publishedBundle(t, now, time.Hour, 0)

	other, err := identity.Generate()
	require.NoError(t, err)
	bundle.SigningKey = other.PublicKey()
	assert.ErrorIs(t, bundle.Verify(now), types.ErrCrypto)
}

func TestBundle_ConsumeOneTime(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bundle, _ := publishedBundle(t, now, time.Hour, 2)

	first, err := bundle.ConsumeOneTime()
	require.NoError(t, err)
	second, err := bundle.ConsumeOneTime()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = bundle.ConsumeOneTime()
	assert.ErrorIs(t, err, types.ErrKeyExhausted)
}
