package dsop_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/spaces/internal/storage/dsop"
	"github.com/relves/spaces/pkg/forge"
	"github.com/relves/spaces/pkg/identity"
	"github.com/relves/spaces/pkg/types"
)

func sampleOperation(t *testing.T) (*types.Operation, types.OperationID) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	op, err := forge.New(id).Next(types.CreateSpace{Space: "garden"}, nil)
	require.NoError(t, err)
	opID, err := op.ID()
	require.NoError(t, err)
	return op, opID
}

func TestOperationRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	store, err := dsop.New(ds)
	require.NoError(t, err)

	op, opID := sampleOperation(t)

	missing, err := store.Operation(ctx, opID)
	require.NoError(t, err)
	assert.Nil(t, missing, "absent operation reads as nil")

	require.NoError(t, store.SetOperation(ctx, opID, op))
	require.NoError(t, store.SetOperation(ctx, opID, op), "idempotent write")

	got, err := store.Operation(ctx, opID)
	require.NoError(t, err)
	require.NotNil(t, got)
	gotID, err := got.ID()
	require.NoError(t, err)
	assert.Equal(t, opID, gotID)
	assert.Equal(t, op.Action, got.Action)
}

func TestOperation_SurvivesCacheMiss(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())

	writer, err := dsop.New(ds)
	require.NoError(t, err)
	op, opID := sampleOperation(t)
	require.NoError(t, writer.SetOperation(ctx, opID, op))

	// A fresh store over the same datastore has a cold cache and must
	// decode (and re-verify) from stored bytes.
	reader, err := dsop.New(ds)
	require.NoError(t, err)
	got, err := reader.Operation(ctx, opID)
	require.NoError(t, err)
	require.NotNil(t, got)
	gotID, err := got.ID()
	require.NoError(t, err)
	assert.Equal(t, opID, gotID)
}

func TestOperation_CorruptStoredBytesRejected(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	_, opID := sampleOperation(t)

	require.NoError(t, ds.Put(ctx, datastore.NewKey("/operations/"+opID.String()), []byte("garbage")))

	store, err := dsop.New(ds)
	require.NoError(t, err)
	_, err = store.Operation(ctx, opID)
	assert.ErrorIs(t, err, types.ErrValidation)
}
