// Package keys implements the key-agreement layer: published pre-key
// bundles for asynchronous pairwise secret establishment, and per-space
// symmetric epoch keys rotated on every membership change and
// distributed individually to each current member.
package keys

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/relves/spaces/internal/codec"
	"github.com/relves/spaces/pkg/types"
)

// SignedPreKey is an actor's medium-lived X25519 pre-key, signed with
// the actor's long-term ed25519 identity and valid only inside its
// declared lifetime.
type SignedPreKey struct {
	Key       []byte    `cbor:"key"`
	NotBefore time.Time `cbor:"not_before"`
	NotAfter  time.Time `cbor:"not_after"`
	Signature []byte    `cbor:"signature"`
}

// OneTimePreKey is a single-use X25519 pre-key. Each is consumed by at
// most one pairwise agreement; running out is the distinct, non-fatal
// exhaustion condition.
type OneTimePreKey struct {
	ID  uint64 `cbor:"id"`
	Key []byte `cbor:"key"`
}

// PreKeyBundle is an actor's published key material, globally
// discoverable through the key registry so any other actor can
// establish a pairwise secret without the target being online.
type PreKeyBundle struct {
	Actor types.ActorID `cbor:"actor"`
	// SigningKey is the raw ed25519 public key behind Actor, carried
	// so the pre-key signature can be checked without resolving the
	// DID out of band.
	SigningKey   []byte          `cbor:"signing_key"`
	SignedPreKey SignedPreKey    `cbor:"signed_pre_key"`
	OneTimeKeys  []OneTimePreKey `cbor:"one_time_keys,omitempty"`
}

// signedPreKeyPayload is the canonical byte payload the pre-key
// signature covers.
type signedPreKeyPayload struct {
	Actor     string    `cbor:"actor"`
	Key       []byte    `cbor:"key"`
	NotBefore time.Time `cbor:"not_before"`
	NotAfter  time.Time `cbor:"not_after"`
}

func preKeySigningBytes(actor types.ActorID, key []byte, notBefore, notAfter time.Time) ([]byte, error) {
	data, err := codec.Marshal(signedPreKeyPayload{
		Actor:     string(actor),
		Key:       key,
		NotBefore: notBefore.UTC().Truncate(time.Second),
		NotAfter:  notAfter.UTC().Truncate(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("encode pre-key payload: %w", err)
	}
	return data, nil
}

// Verify checks the bundle's internal consistency at the given time:
// the signing key matches the actor ID, the pre-key signature is
// valid, and the validity window covers now. Expired or not-yet-valid
// bundles fail with ErrCrypto and must be refreshed by their owner.
func (b *PreKeyBundle) Verify(now time.Time) error {
	if len(b.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bundle signing key is %d bytes, want %d", types.ErrCrypto, len(b.SigningKey), ed25519.PublicKeySize)
	}
	actor, err := types.ActorIDFromPublicKey(ed25519.PublicKey(b.SigningKey))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	if actor != b.Actor {
		return fmt.Errorf("%w: bundle signing key does not match actor %s", types.ErrCrypto, b.Actor)
	}
	if len(b.SignedPreKey.Key) != publicKeySize {
		return fmt.Errorf("%w: pre-key is %d bytes, want %d", types.ErrCrypto, len(b.SignedPreKey.Key), publicKeySize)
	}

	payload, err := preKeySigningBytes(b.Actor, b.SignedPreKey.Key, b.SignedPreKey.NotBefore, b.SignedPreKey.NotAfter)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(b.SigningKey), payload, b.SignedPreKey.Signature) {
		return fmt.Errorf("%w: pre-key signature verification failed", types.ErrCrypto)
	}

	if now.Before(b.SignedPreKey.NotBefore) || now.After(b.SignedPreKey.NotAfter) {
		return fmt.Errorf("%w: pre-key bundle for %s expired (valid %s to %s)",
			types.ErrCrypto, b.Actor,
			b.SignedPreKey.NotBefore.Format(time.RFC3339),
			b.SignedPreKey.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// ConsumeOneTime removes and returns one one-time pre-key from the
// bundle. Returns ErrKeyExhausted when none remain; the caller may
// fall back to signed-pre-key-only agreement but should prompt the
// bundle's owner to replenish.
func (b *PreKeyBundle) ConsumeOneTime() (OneTimePreKey, error) {
	if len(b.OneTimeKeys) == 0 {
		return OneTimePreKey{}, fmt.Errorf("%w: actor %s", types.ErrKeyExhausted, b.Actor)
	}
	key := b.OneTimeKeys[0]
	b.OneTimeKeys = b.OneTimeKeys[1:]
	return key, nil
}
