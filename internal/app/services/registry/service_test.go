package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/storage/memory"
)

func newService(t *testing.T) *Service {
	t.Helper()
	programID, err := ledger.ParseProgramID("", "registry-test")
	require.NoError(t, err)
	return New(ledger.New(memory.New(), programID, nil, nil), nil)
}

func TestRegisterIsIdempotentlyRejected(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	first, err := svc.Register(ctx, computation.CircuitPrivateTransfer)
	require.NoError(t, err)

	_, err = svc.Register(ctx, computation.CircuitPrivateTransfer)
	require.ErrorIs(t, err, computation.ErrAlreadyRegistered)

	got, err := svc.Lookup(ctx, computation.CircuitPrivateTransfer)
	require.NoError(t, err)
	assert.Equal(t, first.Address, got.Address)
	assert.Equal(t, first.Offset, got.Offset)
}

func TestLookupUnknown(t *testing.T) {
	svc := newService(t)
	_, err := svc.Lookup(context.Background(), computation.CircuitValidateSwap)
	require.ErrorIs(t, err, computation.ErrUnknownCircuit)
	_, err = svc.Register(context.Background(), "mint")
	require.ErrorIs(t, err, computation.ErrUnknownCircuit)
}

func TestInitAllSkipsExisting(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.Register(ctx, computation.CircuitCheckBalance)
	require.NoError(t, err)

	outcomes, err := svc.InitAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, o.Definition.Circuit == computation.CircuitCheckBalance, o.Skipped, o.Definition.Circuit)
	}

	defs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	again, err := svc.InitAll(ctx)
	require.NoError(t, err)
	for _, o := range again {
		assert.True(t, o.Skipped)
	}
}
