// Package cluster is the ledger's view of the confidential compute
// cluster: the bundle handed to it, the threshold-signed result it returns,
// the signing set that result is checked against, and the transports that
// carry both.
package cluster

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// Bundle is one queued computation as the cluster receives it.
type Bundle struct {
	RequestID  uint64                      `json:"request_id"`
	Circuit    computation.Circuit         `json:"circuit"`
	Offset     uint32                      `json:"offset"`
	Args       []computation.Argument      `json:"args"`
	Callback   computation.CallbackBinding `json:"callback"`
	Commitment computation.Digest          `json:"commitment"`
}

// BundleFor builds the bundle of a queued request.
func BundleFor(req computation.Request) Bundle {
	return Bundle{
		RequestID:  req.ID,
		Circuit:    req.Circuit,
		Offset:     req.Offset,
		Args:       req.Args,
		Callback:   req.Callback,
		Commitment: req.Commitment,
	}
}

// SignatureSize is the width of a BIP340 Schnorr signature.
const SignatureSize = 64

// Signature is one node's BIP340 signature over a result digest.
type Signature [SignatureSize]byte

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("signature must be hex: %w", err)
	}
	if len(raw) != SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(raw))
	}
	copy(s[:], raw)
	return nil
}

// NodeSignature attributes a signature to a signing-set member.
type NodeSignature struct {
	Node      uint16    `json:"node"`
	Signature Signature `json:"signature"`
}

// SignedResult is what the cluster posts back for a request.
type SignedResult struct {
	RequestID  uint64                   `json:"request_id"`
	Offset     uint32                   `json:"offset"`
	Outputs    []computation.Ciphertext `json:"outputs"`
	Nonce      computation.Nonce        `json:"nonce"`
	Epoch      uint64                   `json:"epoch"`
	Signatures []NodeSignature          `json:"signatures"`
}

// Submitter hands a bundle to the cluster. Submit returns once the cluster
// has accepted the bundle, never once it has computed.
type Submitter interface {
	Submit(ctx context.Context, bundle Bundle) error
}

// CallbackSink receives signed results from the cluster.
type CallbackSink interface {
	Deliver(ctx context.Context, circuit computation.Circuit, result SignedResult) error
}

// ErrRejected marks a submission the cluster refused outright; retrying
// the same bundle will not help.
var ErrRejected = errors.New("cluster rejected bundle")
