package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

func newSigners(t *testing.T, n int) []NodeSigner {
	t.Helper()
	out := make([]NodeSigner, n)
	for i := range out {
		s, err := GenerateNodeSigner(uint16(i))
		require.NoError(t, err)
		out[i] = s
	}
	return out
}

func configFor(signers []NodeSigner, threshold int, epoch uint64) computation.ClusterConfig {
	cfg := computation.ClusterConfig{Epoch: epoch, Threshold: threshold}
	for _, s := range signers {
		cfg.Nodes = append(cfg.Nodes, s.NodeKey())
	}
	return cfg
}

func sampleResult() SignedResult {
	return SignedResult{
		RequestID: 77,
		Offset:    computation.Offset(computation.CircuitPrivateTransfer),
		Outputs:   []computation.Ciphertext{{1}, {2}},
		Nonce:     computation.NewNonce(0, 9),
		Epoch:     3,
	}
}

func TestVerifyThreshold(t *testing.T) {
	signers := newSigners(t, 3)
	set, err := NewSigningSet(configFor(signers, 2, 3))
	require.NoError(t, err)
	commitment := computation.Digest{0xaa}

	signed, err := SignResult(sampleResult(), commitment, signers[1:])
	require.NoError(t, err)
	got, err := set.Verify(signed, commitment)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, got)

	one, err := SignResult(sampleResult(), commitment, signers[:1])
	require.NoError(t, err)
	_, err = set.Verify(one, commitment)
	require.ErrorIs(t, err, ErrInsufficientSignatures)
}

func TestVerifyRejectsTampering(t *testing.T) {
	signers := newSigners(t, 2)
	set, err := NewSigningSet(configFor(signers, 2, 3))
	require.NoError(t, err)
	commitment := computation.Digest{0xaa}
	signed, err := SignResult(sampleResult(), commitment, signers)
	require.NoError(t, err)

	t.Run("output", func(t *testing.T) {
		forged := signed
		forged.Outputs = []computation.Ciphertext{{1}, {3}}
		_, err := set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("request id", func(t *testing.T) {
		forged := signed
		forged.RequestID = 78
		_, err := set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("commitment", func(t *testing.T) {
		_, err := set.Verify(signed, computation.Digest{0xbb})
		require.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("epoch", func(t *testing.T) {
		forged := signed
		forged.Epoch = 4
		_, err := set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrEpochMismatch)
	})
	t.Run("duplicate signer", func(t *testing.T) {
		forged := signed
		forged.Signatures = []NodeSignature{signed.Signatures[0], signed.Signatures[0]}
		_, err := set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrDuplicateSigner)
	})
	t.Run("outsider", func(t *testing.T) {
		outsider, err := GenerateNodeSigner(9)
		require.NoError(t, err)
		forged, err := SignResult(sampleResult(), commitment, []NodeSigner{signers[0], outsider})
		require.NoError(t, err)
		_, err = set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrUnknownSigner)
	})
	t.Run("impersonation", func(t *testing.T) {
		imposter, err := GenerateNodeSigner(1)
		require.NoError(t, err)
		forged, err := SignResult(sampleResult(), commitment, []NodeSigner{signers[0], imposter})
		require.NoError(t, err)
		_, err = set.Verify(forged, commitment)
		require.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestNewSigningSetRequiresConfiguration(t *testing.T) {
	_, err := NewSigningSet(computation.ClusterConfig{})
	require.ErrorIs(t, err, computation.ErrClusterNotConfigured)

	signers := newSigners(t, 1)
	cfg := configFor(signers, 1, 1)
	cfg.Nodes = append(cfg.Nodes, cfg.Nodes[0])
	_, err = NewSigningSet(cfg)
	require.Error(t, err)
}

func TestParseNodeSignerRoundTrip(t *testing.T) {
	s := newSigners(t, 1)[0]
	again, err := ParseNodeSigner(0, s.SecretHex())
	require.NoError(t, err)
	require.Equal(t, s.NodeKey(), again.NodeKey())

	_, err = ParseNodeSigner(0, "zz")
	require.Error(t, err)
}

func TestCommitmentBindsArguments(t *testing.T) {
	args := []computation.Argument{{Kind: computation.ArgEncryptedU64, Value: []byte{1}}}
	a, err := Commitment(1, 2, args)
	require.NoError(t, err)
	b, err := Commitment(1, 2, args)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Commitment(2, 2, args)
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	d, err := Commitment(1, 2, []computation.Argument{{Kind: computation.ArgEncryptedU64, Value: []byte{2}}})
	require.NoError(t, err)
	require.NotEqual(t, a, d)
}
