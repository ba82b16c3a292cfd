package types

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/relves/spaces/internal/codec"
)

// Operation is the signed, causally anchored unit every change travels
// as. Immutable after creation. Previous holds the causal dependency
// set: the operation may only be applied once every listed ID has been
// applied.
type Operation struct {
	// Author is the raw ed25519 public key of the signer. For
	// ephemeral authorship this is a one-time throwaway key.
	Author ed25519.PublicKey

	// Seq is the per-author sequence number: gapless from 0 for
	// long-term identities, always 0 for ephemeral ones.
	Seq uint64

	// Previous is the causal dependency set, canonically sorted.
	Previous []OperationID

	// Action is the payload variant.
	Action Action

	// Signature is the author's ed25519 signature over the canonical
	// encoding of everything above.
	Signature []byte
}

// wireOperation is the canonical encoded form. The signature is
// omitted when producing the bytes the signature covers.
type wireOperation struct {
	Author    []byte     `cbor:"author"`
	Seq       uint64     `cbor:"seq"`
	Previous  [][]byte   `cbor:"previous"`
	Action    wireAction `cbor:"action"`
	Signature []byte     `cbor:"signature,omitempty"`
}

// ActorID derives the author's actor identifier.
func (op *Operation) ActorID() (ActorID, error) {
	return ActorIDFromPublicKey(op.Author)
}

func (op *Operation) toWire(withSignature bool) (wireOperation, error) {
	action, err := actionToWire(op.Action)
	if err != nil {
		return wireOperation{}, err
	}

	previous := make([]OperationID, len(op.Previous))
	copy(previous, op.Previous)
	sort.Slice(previous, func(i, j int) bool { return previous[i].Less(previous[j]) })

	wirePrevious := make([][]byte, len(previous))
	for i, id := range previous {
		if !id.Defined() {
			return wireOperation{}, fmt.Errorf("%w: undefined dependency", ErrValidation)
		}
		if i > 0 && !previous[i-1].Less(id) {
			return wireOperation{}, fmt.Errorf("%w: duplicate dependency %s", ErrValidation, id)
		}
		wirePrevious[i] = id.Bytes()
	}

	w := wireOperation{
		Author:   op.Author,
		Seq:      op.Seq,
		Previous: wirePrevious,
		Action:   action,
	}
	if withSignature {
		w.Signature = op.Signature
	}
	return w, nil
}

// SigningBytes returns the canonical bytes the signature covers.
func (op *Operation) SigningBytes() ([]byte, error) {
	w, err := op.toWire(false)
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode operation for signing: %w", err)
	}
	return data, nil
}

// Encode returns the canonical wire bytes of the signed operation.
// OperationID is a hash over exactly these bytes.
func (op *Operation) Encode() ([]byte, error) {
	if len(op.Signature) == 0 {
		return nil, fmt.Errorf("%w: unsigned operation", ErrValidation)
	}
	w, err := op.toWire(true)
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	return data, nil
}

// ID computes the operation's content identifier from its canonical
// encoding.
func (op *Operation) ID() (OperationID, error) {
	data, err := op.Encode()
	if err != nil {
		return OperationID{}, err
	}
	return NewOperationID(data)
}

// DecodeOperation parses canonical wire bytes, checking structure and
// signature. Anything malformed is reported as ErrValidation and must
// be discarded, never stored as applied.
func DecodeOperation(data []byte) (*Operation, error) {
	var w wireOperation
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if len(w.Author) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: author key is %d bytes, want %d", ErrValidation, len(w.Author), ed25519.PublicKeySize)
	}
	if len(w.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrValidation, len(w.Signature), ed25519.SignatureSize)
	}

	previous := make([]OperationID, len(w.Previous))
	for i, raw := range w.Previous {
		id, err := OperationIDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if i > 0 && !previous[i-1].Less(id) {
			return nil, fmt.Errorf("%w: dependency set not canonically ordered", ErrValidation)
		}
		previous[i] = id
	}

	action, err := actionFromWire(w.Action)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		Author:    ed25519.PublicKey(w.Author),
		Seq:       w.Seq,
		Previous:  previous,
		Action:    action,
		Signature: w.Signature,
	}

	signingBytes, err := op.SigningBytes()
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(op.Author, signingBytes, op.Signature) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrValidation)
	}

	// Reject non-canonical encodings: re-encoding must reproduce the
	// input byte for byte, otherwise the same logical operation could
	// circulate under several IDs.
	reencoded, err := op.Encode()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reencoded, data) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrValidation)
	}

	return op, nil
}
