package spaces

import (
	"fmt"

	"github.com/relves/spaces/internal/codec"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/types"
)

// Envelope is the wire unit handed to whatever dissemination layer the
// caller runs. It carries one canonically encoded operation plus, when
// the operation rotated the space key — a membership change, or content
// sent across an unresolved membership merge — the rotation sealed to
// the operation's post-merge members. The rotation is keyed by the
// operation it travels with, so KeyOp is recovered from the operation
// on decode rather than carried.
type Envelope struct {
	Operation []byte         `cbor:"operation"`
	Rotation  *keys.Rotation `cbor:"rotation,omitempty"`
}

// Encode returns the canonical CBOR encoding of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return codec.Marshal(e)
}

// DecodeEnvelope parses an envelope and verifies its operation: the
// signature, structural validity, and canonical encoding are all
// checked before anything reaches the orderer.
func DecodeEnvelope(data []byte) (*Envelope, *types.Operation, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode envelope: %v", types.ErrValidation, err)
	}
	op, err := types.DecodeOperation(env.Operation)
	if err != nil {
		return nil, nil, err
	}
	if env.Rotation != nil {
		id, err := op.ID()
		if err != nil {
			return nil, nil, err
		}
		env.Rotation.KeyOp = id
	}
	return &env, op, nil
}
