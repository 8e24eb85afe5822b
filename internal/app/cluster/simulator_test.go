package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

type recordingSink struct {
	mu      sync.Mutex
	results []SignedResult
	got     chan struct{}
}

func newRecordingSink() *recordingSink { return &recordingSink{got: make(chan struct{}, 16)} }

func (r *recordingSink) Deliver(_ context.Context, _ computation.Circuit, result SignedResult) error {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

type testClient struct {
	keys   sealing.KeyPair
	cipher *sealing.Cipher
	nonce  [sealing.NonceSize]byte
}

func sealedBundle(t *testing.T, mxe sealing.KeyPair, id uint64, circuit computation.Circuit, values ...uint64) (Bundle, testClient) {
	t.Helper()
	keys, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	nonce, err := sealing.NewNonce(nil)
	require.NoError(t, err)
	c, err := sealing.NewCipher(keys.Secret, mxe.Public, nonce)
	require.NoError(t, err)

	args := []computation.Argument{
		{Kind: computation.ArgX25519PublicKey, Value: append([]byte(nil), keys.Public[:]...)},
		{Kind: computation.ArgPlaintextU128, Value: append([]byte(nil), nonce[:]...)},
	}
	for i, v := range values {
		ct := c.SealU64(i, v)
		args = append(args, computation.Argument{Kind: computation.ArgEncryptedU64, Value: ct[:]})
	}
	offset := computation.Offset(circuit)
	commitment, err := Commitment(id, offset, args)
	require.NoError(t, err)
	return Bundle{RequestID: id, Circuit: circuit, Offset: offset, Args: args, Commitment: commitment}, testClient{keys: keys, cipher: c, nonce: nonce}
}

func newTestSimulator(t *testing.T, sink CallbackSink) (*Simulator, sealing.KeyPair) {
	t.Helper()
	mxe, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	sim, err := NewSimulator(SimulatorConfig{Epoch: 1, Threshold: 2, Signers: newSigners(t, 3), MXE: mxe, Workers: 2}, sink, nil)
	require.NoError(t, err)
	return sim, mxe
}

func TestSimulatorComputeTransfer(t *testing.T) {
	sim, mxe := newTestSimulator(t, newRecordingSink())
	bundle, client := sealedBundle(t, mxe, 5, computation.CircuitPrivateTransfer, 1000, 600, 100)

	result, err := sim.Compute(bundle)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	require.Len(t, result.Signatures, 2)

	set, err := NewSigningSet(sim.ClusterConfig())
	require.NoError(t, err)
	_, err = set.Verify(result, bundle.Commitment)
	require.NoError(t, err)

	out, err := sealing.NewCipher(client.keys.Secret, mxe.Public, result.Nonce)
	require.NoError(t, err)
	valid, err := out.OpenBool(0, result.Outputs[0])
	require.NoError(t, err)
	require.True(t, valid)
	balance, err := out.OpenU64(1, result.Outputs[1])
	require.NoError(t, err)
	require.Equal(t, uint64(400), balance)
}

func TestSimulatorRejectsWrongOperandCount(t *testing.T) {
	sim, mxe := newTestSimulator(t, newRecordingSink())
	bundle, _ := sealedBundle(t, mxe, 5, computation.CircuitCheckBalance, 1)
	_, err := sim.Compute(bundle)
	require.ErrorIs(t, err, computation.ErrMalformedOperands)
}

func TestSimulatorDeliversAsynchronously(t *testing.T) {
	sink := newRecordingSink()
	sim, mxe := newTestSimulator(t, sink)
	ctx := context.Background()
	require.NoError(t, sim.Start(ctx))
	defer sim.Stop(ctx)

	for id := uint64(1); id <= 3; id++ {
		bundle, _ := sealedBundle(t, mxe, id, computation.CircuitCheckBalance, 10*id, 20)
		require.NoError(t, sim.Submit(ctx, bundle))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-sink.got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	seen := map[uint64]bool{}
	for _, r := range sink.results {
		seen[r.RequestID] = true
	}
	require.Len(t, seen, 3)
}

func TestSimulatorSubmitUnknownCircuit(t *testing.T) {
	sim, _ := newTestSimulator(t, newRecordingSink())
	err := sim.Submit(context.Background(), Bundle{Circuit: "mint"})
	require.ErrorIs(t, err, ErrRejected)
}

func TestSimulatorReportsUnopenableBundle(t *testing.T) {
	sink := newRecordingSink()
	sim, _ := newTestSimulator(t, sink)
	other, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	// Sealed for a different MXE key, so no operand opens.
	bundle, _ := sealedBundle(t, other, 9, computation.CircuitCheckBalance, 10, 20)

	ctx := context.Background()
	require.NoError(t, sim.Start(ctx))
	defer sim.Stop(ctx)
	require.NoError(t, sim.Submit(ctx, bundle))

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.results, 1)
	got := sink.results[0]
	require.Equal(t, uint64(9), got.RequestID)
	require.Equal(t, bundle.Offset, got.Offset)
	require.Empty(t, got.Outputs)
	require.Empty(t, got.Signatures)
}
