package keys

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/relves/spaces/pkg/types"
)

// Rotation distributes a fresh space content key. It travels alongside
// the operation that triggered it — a membership change, or a content
// operation sent while concurrent membership branches were unresolved —
// and KeyOp is that operation's ID and how recipients index the key,
// since concurrent rotations in different branches may carry the same
// epoch number.
type Rotation struct {
	Space  types.SpaceID     `cbor:"space"`
	Epoch  uint64            `cbor:"epoch"`
	KeyOp  types.OperationID `cbor:"-"`
	Shares []Share           `cbor:"shares"`
}

// EpochKey is one space content key held locally.
type EpochKey struct {
	Epoch uint64 `cbor:"epoch"`
	Key   []byte `cbor:"key"`
}

// SecretState is the actor's local key material: pre-key secrets
// matching its published bundle and the space epoch keys it has been
// given. Persisted through the key secret store; treated as a value,
// read-modify-written under the owner's lock.
type SecretState struct {
	// PreKeySecrets maps hex of a signed pre-key public key to its
	// private key. Old entries are kept so shares sealed to a
	// previous bundle still open after a refresh.
	PreKeySecrets map[string][]byte `cbor:"pre_key_secrets"`
	// OneTimeSecrets maps one-time pre-key ID to private key. Entries
	// are deleted on use.
	OneTimeSecrets map[uint64][]byte `cbor:"one_time_secrets"`
	// NextOneTimeID is the next one-time pre-key ID to mint. IDs
	// start at 1; 0 on the wire means "no one-time key used".
	NextOneTimeID uint64 `cbor:"next_one_time_id"`
	// EpochKeys maps space ID, then key-operation ID string, to the
	// epoch key distributed with that operation.
	EpochKeys map[types.SpaceID]map[string]EpochKey `cbor:"epoch_keys"`
}

// NewSecretState returns an empty secret state.
func NewSecretState() *SecretState {
	return &SecretState{
		PreKeySecrets:  make(map[string][]byte),
		OneTimeSecrets: make(map[uint64][]byte),
		NextOneTimeID:  1,
		EpochKeys:      make(map[types.SpaceID]map[string]EpochKey),
	}
}

func (s *SecretState) preKeySecret(public []byte) ([]byte, bool) {
	secret, ok := s.PreKeySecrets[hex.EncodeToString(public)]
	return secret, ok
}

func (s *SecretState) oneTimeSecret(id uint64) ([]byte, bool) {
	secret, ok := s.OneTimeSecrets[id]
	return secret, ok
}

// PutEpochKey stores an epoch key for a space under its key operation.
func (s *SecretState) PutEpochKey(space types.SpaceID, keyOp types.OperationID, epoch uint64, key []byte) {
	if s.EpochKeys == nil {
		s.EpochKeys = make(map[types.SpaceID]map[string]EpochKey)
	}
	byOp, ok := s.EpochKeys[space]
	if !ok {
		byOp = make(map[string]EpochKey)
		s.EpochKeys[space] = byOp
	}
	byOp[keyOp.String()] = EpochKey{Epoch: epoch, Key: key}
}

// EpochKeyFor returns the epoch key a content message references.
func (s *SecretState) EpochKeyFor(space types.SpaceID, keyOp types.OperationID) (EpochKey, bool) {
	byOp, ok := s.EpochKeys[space]
	if !ok {
		return EpochKey{}, false
	}
	key, ok := byOp[keyOp.String()]
	return key, ok
}

// contentAD binds content ciphertext to its space, epoch, and key
// operation, so a ciphertext cannot be replayed against a different
// key context. Content whose single-use key travels in its own
// envelope binds an undefined (empty) key operation.
func contentAD(space types.SpaceID, epoch uint64, keyOp types.OperationID) []byte {
	ad := make([]byte, 0, len("spaces/v1/content")+len(space)+8+len(keyOp.Bytes()))
	ad = append(ad, "spaces/v1/content"...)
	ad = append(ad, space...)
	ad = binary.BigEndian.AppendUint64(ad, epoch)
	ad = append(ad, keyOp.Bytes()...)
	return ad
}

// shareAD binds a key share to its sender, its key operation, and its
// recipient. Concurrent rotations may carry the same epoch number, so
// the key operation ID is what stops a share lifted from one rotation
// from opening inside another and depositing its key under the wrong
// index.
func shareAD(sender types.ActorID, space types.SpaceID, epoch uint64, keyOp types.OperationID, member types.ActorID) []byte {
	ad := make([]byte, 0, len("spaces/v1/share")+len(sender)+len(space)+8+len(keyOp.Bytes())+len(member))
	ad = append(ad, "spaces/v1/share"...)
	ad = append(ad, sender...)
	ad = append(ad, space...)
	ad = binary.BigEndian.AppendUint64(ad, epoch)
	ad = append(ad, keyOp.Bytes()...)
	ad = append(ad, member...)
	return ad
}

// newEpochKey creates a fresh random content key. Epoch keys are never
// derived from prior epochs: a removed member holds nothing that can
// produce a later key, and a new member holds nothing that can produce
// an earlier one.
func newEpochKey() ([]byte, error) {
	key := make([]byte, symmetricSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generate epoch key: %v", types.ErrCrypto, err)
	}
	return key, nil
}

// sealContent encrypts plaintext under an epoch key.
func sealContent(key EpochKey, space types.SpaceID, keyOp types.OperationID, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, contentAD(space, key.Epoch, keyOp))
	return nonce, ciphertext, nil
}

// openContent decrypts a content message with the referenced epoch
// key. Failure (wrong or superseded key material) is the expected
// outcome for actors outside the membership at that epoch.
func openContent(key EpochKey, content types.SendContent) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, content.Nonce, content.Ciphertext, contentAD(content.Space, content.Epoch, content.KeyOp))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt content: %v", types.ErrCrypto, err)
	}
	return plaintext, nil
}
