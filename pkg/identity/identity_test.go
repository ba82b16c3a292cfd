package identity_test

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/spaces/pkg/identity"
)

func TestGenerate(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(id.ActorID()), "did:key:z"),
		"actor ID should be a did:key DID, got %s", id.ActorID())
	assert.Equal(t, string(id.ActorID()), id.DID())
	assert.Len(t, []byte(id.PublicKey()), ed25519.PublicKeySize)
}

func TestSign_VerifiesAgainstPublicKey(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	payload := []byte("membership change")
	sig := id.Sign(payload)
	assert.True(t, ed25519.Verify(id.PublicKey(), payload, sig))
	assert.False(t, ed25519.Verify(id.PublicKey(), []byte("other"), sig))
}

func TestFromRaw_ReproducesActorID(t *testing.T) {
	public, private, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id, err := identity.FromRaw(private)
	require.NoError(t, err)
	assert.Equal(t, []byte(public), []byte(id.PublicKey()))

	again, err := identity.FromRaw(private)
	require.NoError(t, err)
	assert.Equal(t, id.ActorID(), again.ActorID(),
		"the same key must always derive the same actor ID")
}

func TestFromRaw_RejectsShortKey(t *testing.T) {
	_, err := identity.FromRaw(make([]byte, 17))
	assert.Error(t, err)
}

func TestGenerateEphemeral_Distinct(t *testing.T) {
	a, err := identity.GenerateEphemeral()
	require.NoError(t, err)
	b, err := identity.GenerateEphemeral()
	require.NoError(t, err)
	assert.NotEqual(t, a.ActorID(), b.ActorID())
}
