package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/services/dispatcher"
	"github.com/R3E-Network/confidential_layer/internal/app/storage/memory"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

type harness struct {
	runtime    *ledger.Runtime
	dispatcher *dispatcher.Service
	verifier   *Service
	sim        *cluster.Simulator
	mxe        sealing.KeyPair
	caller     sealing.KeyPair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	mxe, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	caller, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)

	var signers []cluster.NodeSigner
	for i := uint16(1); i <= 3; i++ {
		s, err := cluster.GenerateNodeSigner(i)
		require.NoError(t, err)
		signers = append(signers, s)
	}
	sim, err := cluster.NewSimulator(cluster.SimulatorConfig{Epoch: 4, Threshold: 2, Signers: signers, MXE: mxe}, nil, nil)
	require.NoError(t, err)

	programID, err := ledger.ParseProgramID("", "verifier-test")
	require.NoError(t, err)
	rt := ledger.New(memory.New(), programID, nil, nil)
	_, err = rt.ConfigureCluster(ctx, sim.ClusterConfig())
	require.NoError(t, err)
	for _, c := range computation.Circuits() {
		_, err := rt.InitDefinition(ctx, c)
		require.NoError(t, err)
	}

	return &harness{
		runtime:    rt,
		dispatcher: dispatcher.New(rt, nil),
		verifier:   New(rt, nil),
		sim:        sim,
		mxe:        mxe,
		caller:     caller,
	}
}

// submit seals values for circuit and queues them under id.
func (h *harness) submit(t *testing.T, id uint64, circuit computation.Circuit, values ...uint64) computation.Request {
	t.Helper()
	nonce, err := sealing.NewNonce(nil)
	require.NoError(t, err)
	c, err := sealing.NewCipher(h.caller.Secret, h.mxe.Public, nonce)
	require.NoError(t, err)

	operands := make([]computation.Ciphertext, len(values))
	for i, v := range values {
		operands[i] = c.SealU64(i, v)
	}
	req, err := h.dispatcher.Submit(context.Background(), dispatcher.SubmitRequest{
		RequestID: id,
		Circuit:   circuit,
		Context:   computation.EncryptionContext{PublicKey: h.caller.Public, Nonce: nonce},
		Operands:  operands,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) compute(t *testing.T, req computation.Request) cluster.SignedResult {
	t.Helper()
	result, err := h.sim.Compute(cluster.BundleFor(req))
	require.NoError(t, err)
	return result
}

func (h *harness) opener(t *testing.T, nonce computation.Nonce) *sealing.Cipher {
	t.Helper()
	c, err := sealing.NewCipher(h.caller.Secret, h.mxe.Public, nonce)
	require.NoError(t, err)
	return c
}

func (h *harness) status(t *testing.T, id uint64) computation.Status {
	t.Helper()
	req, err := h.runtime.Request(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func TestPrivateTransferScenario(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 1, computation.CircuitPrivateTransfer, 1000, 600, 100)

	event, err := h.verifier.PrivateTransferCallback(context.Background(), h.compute(t, req))
	require.NoError(t, err)

	c := h.opener(t, event.Nonce)
	valid, err := c.OpenBool(0, event.IsValid)
	require.NoError(t, err)
	balance, err := c.OpenU64(1, event.NewSenderBalance)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, uint64(400), balance)
	assert.Equal(t, computation.StatusEmitted, h.status(t, 1))
}

func TestPrivateTransferInsufficientScenario(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 2, computation.CircuitPrivateTransfer, 1000, 950, 100)

	event, err := h.verifier.PrivateTransferCallback(context.Background(), h.compute(t, req))
	require.NoError(t, err)

	c := h.opener(t, event.Nonce)
	valid, err := c.OpenBool(0, event.IsValid)
	require.NoError(t, err)
	balance, err := c.OpenU64(1, event.NewSenderBalance)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, uint64(1000), balance)
}

func TestValidateSwapSlippageScenario(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 3, computation.CircuitValidateSwap, 500, 500, 100, 90)

	event, err := h.verifier.ValidateSwapCallback(context.Background(), h.compute(t, req))
	require.NoError(t, err)

	c := h.opener(t, event.Nonce)
	valid, err := c.OpenBool(0, event.IsValid)
	require.NoError(t, err)
	balance, err := c.OpenU64(1, event.NewInputBalance)
	require.NoError(t, err)
	slippage, err := c.OpenBool(2, event.SlippageOK)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.False(t, slippage)
	assert.Equal(t, uint64(0), balance, "debited on has_balance alone")
}

func TestCheckBalanceEmitsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.submit(t, 4, computation.CircuitCheckBalance, 10, 10)
	result := h.compute(t, req)

	event, err := h.verifier.CheckBalanceCallback(ctx, result)
	require.NoError(t, err)
	meets, err := h.opener(t, event.Nonce).OpenBool(0, event.MeetsMinimum)
	require.NoError(t, err)
	assert.True(t, meets)

	_, err = h.verifier.CheckBalanceCallback(ctx, result)
	require.ErrorIs(t, err, computation.ErrAlreadyResolved)

	events, err := h.runtime.Events(ctx, 0, 0)
	require.NoError(t, err)
	emitted := 0
	for _, e := range events {
		if e.Kind == computation.EventComputationEmitted {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
}

func TestUnknownRequestIsRejected(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 5, computation.CircuitCheckBalance, 1, 2)
	result := h.compute(t, req)
	result.RequestID = 999

	err := h.verifier.Deliver(context.Background(), computation.CircuitCheckBalance, result)
	require.ErrorIs(t, err, computation.ErrUnknownRequest)
	assert.Equal(t, computation.StatusQueued, h.status(t, 5))
}

func TestMisroutedCallbackLeavesRequestQueued(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 6, computation.CircuitCheckBalance, 1, 2)

	_, err := h.verifier.HandleCallback(context.Background(), computation.CircuitPrivateTransfer, h.compute(t, req))
	require.ErrorIs(t, err, computation.ErrCallbackMismatch)
	assert.Equal(t, computation.StatusQueued, h.status(t, 6))
}

func TestForgedCallbacksAbort(t *testing.T) {
	cases := map[string]func(*cluster.SignedResult){
		"tampered output": func(r *cluster.SignedResult) { r.Outputs[0][0] ^= 1 },
		"tampered nonce":  func(r *cluster.SignedResult) { r.Nonce[0] ^= 1 },
		"wrong epoch":     func(r *cluster.SignedResult) { r.Epoch++ },
		"too few signers": func(r *cluster.SignedResult) { r.Signatures = r.Signatures[:1] },
		"repeated signer": func(r *cluster.SignedResult) { r.Signatures[1] = r.Signatures[0] },
		"missing output":  func(r *cluster.SignedResult) { r.Outputs = r.Outputs[:1] },
		"foreign offset":  func(r *cluster.SignedResult) { r.Offset++ },
		"unknown signer":  func(r *cluster.SignedResult) { r.Signatures[0].Node = 77 },
		"corrupt signature": func(r *cluster.SignedResult) {
			r.Signatures[0].Signature[10] ^= 0xff
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			req := h.submit(t, 7, computation.CircuitPrivateTransfer, 1000, 600, 100)
			result := h.compute(t, req)
			mutate(&result)

			_, err := h.verifier.HandleCallback(ctx, computation.CircuitPrivateTransfer, result)
			require.ErrorIs(t, err, computation.ErrAbortedComputation)
			assert.Equal(t, computation.StatusAborted, h.status(t, 7))

			events, err := h.runtime.Events(ctx, 0, 0)
			require.NoError(t, err)
			last := events[len(events)-1]
			assert.Equal(t, computation.EventComputationAborted, last.Kind)
			assert.Nil(t, last.Result, "no partial emission")

			_, err = h.verifier.HandleCallback(ctx, computation.CircuitPrivateTransfer, h.compute(t, req))
			require.ErrorIs(t, err, computation.ErrAlreadyResolved, "an aborted request cannot be revived")
		})
	}
}

func TestResultForAnotherRequestAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.submit(t, 8, computation.CircuitCheckBalance, 5, 1)
	h.submit(t, 9, computation.CircuitCheckBalance, 5, 1)

	replayed := h.compute(t, a)
	replayed.RequestID = 9

	_, err := h.verifier.HandleCallback(ctx, computation.CircuitCheckBalance, replayed)
	require.ErrorIs(t, err, computation.ErrAbortedComputation)
	assert.Equal(t, computation.StatusAborted, h.status(t, 9))
	assert.Equal(t, computation.StatusQueued, h.status(t, 8))
}

func TestPrivateTransferMinimumAboveBalance(t *testing.T) {
	h := newHarness(t)
	req := h.submit(t, 10, computation.CircuitPrivateTransfer, 100, 5, 200)

	event, err := h.verifier.PrivateTransferCallback(context.Background(), h.compute(t, req))
	require.NoError(t, err)

	c := h.opener(t, event.Nonce)
	valid, err := c.OpenBool(0, event.IsValid)
	require.NoError(t, err)
	balance, err := c.OpenU64(1, event.NewSenderBalance)
	require.NoError(t, err)
	assert.True(t, valid, "100 - 200 wraps past the amount")
	assert.Equal(t, uint64(95), balance)
}

func TestUnopenableBundleAbortsThroughSimulator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sim.SetSink(h.verifier)

	stranger, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	nonce, err := sealing.NewNonce(nil)
	require.NoError(t, err)
	c, err := sealing.NewCipher(h.caller.Secret, stranger.Public, nonce)
	require.NoError(t, err)
	req, err := h.dispatcher.Submit(ctx, dispatcher.SubmitRequest{
		RequestID: 11,
		Circuit:   computation.CircuitCheckBalance,
		Context:   computation.EncryptionContext{PublicKey: h.caller.Public, Nonce: nonce},
		Operands:  []computation.Ciphertext{c.SealU64(0, 5), c.SealU64(1, 1)},
	})
	require.NoError(t, err)

	require.NoError(t, h.sim.Start(ctx))
	defer h.sim.Stop(ctx)
	require.NoError(t, h.sim.Submit(ctx, cluster.BundleFor(req)))

	require.Eventually(t, func() bool {
		got, err := h.runtime.Request(ctx, 11)
		return err == nil && got.Status == computation.StatusAborted
	}, 5*time.Second, 10*time.Millisecond)
}
