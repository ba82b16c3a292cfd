package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/relves/spaces/pkg/types"
)

const (
	publicKeySize  = curve25519.PointSize
	privateKeySize = curve25519.ScalarSize
	symmetricSize  = chacha20poly1305.KeySize
)

// pairwiseInfo binds derived pairwise secrets to their purpose.
const pairwiseInfo = "spaces/v1/pairwise"

// keyPair is an X25519 key pair.
type keyPair struct {
	public  []byte
	private []byte
}

func generateKeyPair() (keyPair, error) {
	private := make([]byte, privateKeySize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return keyPair{}, fmt.Errorf("generate X25519 key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return keyPair{}, fmt.Errorf("derive X25519 public key: %w", err)
	}
	return keyPair{public: public, private: private}, nil
}

// Share is one member's encrypted copy of a space epoch key. The
// sender's ephemeral X25519 key plus the recipient's published pre-key
// material reproduce the pairwise secret on the recipient's side with
// no round trip.
type Share struct {
	Member types.ActorID `cbor:"member"`
	// Ephemeral is the sender's one-shot X25519 public key.
	Ephemeral []byte `cbor:"ephemeral"`
	// PreKey is the recipient signed pre-key the sender used,
	// identifying which pre-key secret opens the share.
	PreKey []byte `cbor:"pre_key"`
	// OneTimeID is the consumed one-time pre-key, 0 when the sender
	// had to fall back to the signed pre-key alone (exhaustion).
	OneTimeID uint64 `cbor:"one_time_id,omitempty"`
	Nonce     []byte `cbor:"nonce"`
	Sealed    []byte `cbor:"sealed"`
}

// derivePairwise stretches the DH outputs into a symmetric key.
func derivePairwise(dh1, dh2 []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(dh1)+len(dh2))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)

	key := make([]byte, symmetricSize)
	reader := hkdf.New(sha256.New, ikm, nil, []byte(pairwiseInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: derive pairwise secret: %v", types.ErrCrypto, err)
	}
	return key, nil
}

// sealShare encrypts payload to the recipient bundle. A one-time
// pre-key is consumed from the bundle when available; exhaustion is
// reported through the returned bool so the caller can surface it
// without failing the rotation.
func sealShare(bundle *PreKeyBundle, payload, additionalData []byte) (Share, bool, error) {
	ephemeral, err := generateKeyPair()
	if err != nil {
		return Share{}, false, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}

	dh1, err := curve25519.X25519(ephemeral.private, bundle.SignedPreKey.Key)
	if err != nil {
		return Share{}, false, fmt.Errorf("%w: pre-key agreement: %v", types.ErrCrypto, err)
	}

	var dh2 []byte
	var oneTimeID uint64
	exhausted := false
	oneTime, err := bundle.ConsumeOneTime()
	switch {
	case err == nil:
		dh2, err = curve25519.X25519(ephemeral.private, oneTime.Key)
		if err != nil {
			return Share{}, false, fmt.Errorf("%w: one-time key agreement: %v", types.ErrCrypto, err)
		}
		oneTimeID = oneTime.ID
	default:
		exhausted = true
	}

	pairwise, err := derivePairwise(dh1, dh2)
	if err != nil {
		return Share{}, false, err
	}

	aead, err := chacha20poly1305.New(pairwise)
	if err != nil {
		return Share{}, false, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Share{}, false, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}

	return Share{
		Member:    bundle.Actor,
		Ephemeral: ephemeral.public,
		PreKey:    bundle.SignedPreKey.Key,
		OneTimeID: oneTimeID,
		Nonce:     nonce,
		Sealed:    aead.Seal(nil, nonce, payload, additionalData),
	}, exhausted, nil
}

// openShare decrypts a share using the local pre-key secrets. The
// consumed one-time secret is removed from state by the caller after a
// successful open.
func openShare(share *Share, state *SecretState, additionalData []byte) ([]byte, error) {
	preKeySecret, ok := state.preKeySecret(share.PreKey)
	if !ok {
		return nil, fmt.Errorf("%w: no secret for referenced pre-key", types.ErrCrypto)
	}

	dh1, err := curve25519.X25519(preKeySecret, share.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: pre-key agreement: %v", types.ErrCrypto, err)
	}

	var dh2 []byte
	if share.OneTimeID != 0 {
		oneTimeSecret, ok := state.oneTimeSecret(share.OneTimeID)
		if !ok {
			return nil, fmt.Errorf("%w: one-time pre-key %d not held", types.ErrCrypto, share.OneTimeID)
		}
		dh2, err = curve25519.X25519(oneTimeSecret, share.Ephemeral)
		if err != nil {
			return nil, fmt.Errorf("%w: one-time key agreement: %v", types.ErrCrypto, err)
		}
	}

	pairwise, err := derivePairwise(dh1, dh2)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(pairwise)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	payload, err := aead.Open(nil, share.Nonce, share.Sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: open key share: %v", types.ErrCrypto, err)
	}
	return payload, nil
}
