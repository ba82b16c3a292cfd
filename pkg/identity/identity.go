// Package identity wraps ed25519 actor identities. The long-term key
// pair signs every operation the actor authors; the ActorID is the
// did:key DID of the public key. Ephemeral identities are one-time
// throwaway key pairs used for deniable authorship.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"

	"github.com/relves/spaces/pkg/types"
)

// Identity is an actor's signing identity.
type Identity struct {
	signer  principal.Signer
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	actorID types.ActorID
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return fromKeyPair(public, private)
}

// FromRaw builds an identity from an existing ed25519 private key.
func FromRaw(private ed25519.PrivateKey) (*Identity, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	public, ok := private.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("private key has no ed25519 public half")
	}
	return fromKeyPair(public, private)
}

func fromKeyPair(public ed25519.PublicKey, private ed25519.PrivateKey) (*Identity, error) {
	edSigner, err := signer.FromRaw(private)
	if err != nil {
		return nil, fmt.Errorf("create ed25519 signer: %w", err)
	}
	return &Identity{
		signer:  edSigner,
		private: private,
		public:  public,
		actorID: types.ActorID(edSigner.DID().String()),
	}, nil
}

// ActorID returns the did:key identifier of this identity.
func (id *Identity) ActorID() types.ActorID {
	return id.actorID
}

// DID returns the identity's DID string.
func (id *Identity) DID() string {
	return string(id.actorID)
}

// PublicKey returns the raw ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.public
}

// Sign signs payload with the identity's private key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.private, payload)
}

// GenerateEphemeral creates a one-time identity for deniable
// authorship. The caller discards it after forging a single operation;
// nothing links the resulting operation to a long-term actor log.
func GenerateEphemeral() (*Identity, error) {
	return Generate()
}
