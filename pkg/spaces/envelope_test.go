package spaces_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/spaces/pkg/forge"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/spaces"
	"github.com/relves/spaces/pkg/types"
)

func TestEnvelope_RoundTripRecoversKeyOp(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	op, err := forge.New(id).Next(types.CreateSpace{Space: "wiki"}, nil)
	require.NoError(t, err)
	opID, err := op.ID()
	require.NoError(t, err)
	opData, err := op.Encode()
	require.NoError(t, err)

	env := &spaces.Envelope{
		Operation: opData,
		Rotation: &keys.Rotation{
			Space: "wiki",
			Epoch: 1,
		},
	}
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, decodedOp, err := spaces.DecodeEnvelope(data)
	require.NoError(t, err)
	decodedID, err := decodedOp.ID()
	require.NoError(t, err)
	assert.Equal(t, opID, decodedID)

	// KeyOp travels implicitly: it is the ID of the operation the
	// rotation rides with.
	require.NotNil(t, decoded.Rotation)
	assert.Equal(t, opID, decoded.Rotation.KeyOp)
	assert.Equal(t, uint64(1), decoded.Rotation.Epoch)
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, _, err := spaces.DecodeEnvelope([]byte("not an envelope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDecodeEnvelope_TamperedOperation(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	op, err := forge.New(id).Next(types.CreateSpace{Space: "wiki"}, nil)
	require.NoError(t, err)
	opData, err := op.Encode()
	require.NoError(t, err)
	opData[len(opData)-1] ^= 0x01

	env := &spaces.Envelope{Operation: opData}
	data, err := env.Encode()
	require.NoError(t, err)

	_, _, err = spaces.DecodeEnvelope(data)
	assert.ErrorIs(t, err, types.ErrValidation)
}
