package cluster

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

var (
	ErrEpochMismatch          = errors.New("result signed for a different epoch")
	ErrUnknownSigner          = errors.New("signature from a node outside the signing set")
	ErrDuplicateSigner        = errors.New("node signed more than once")
	ErrBadSignature           = errors.New("signature does not verify")
	ErrInsufficientSignatures = errors.New("fewer signatures than the threshold")
)

// SigningSet is the t-of-n set of node keys a result must be signed by.
type SigningSet struct {
	epoch     uint64
	threshold int
	keys      map[uint16]*btcec.PublicKey
}

// NewSigningSet parses the x-only node keys of a cluster configuration.
func NewSigningSet(cfg computation.ClusterConfig) (*SigningSet, error) {
	if !cfg.Configured() {
		return nil, computation.ErrClusterNotConfigured
	}
	set := &SigningSet{
		epoch:     cfg.Epoch,
		threshold: cfg.Threshold,
		keys:      make(map[uint16]*btcec.PublicKey, len(cfg.Nodes)),
	}
	for _, node := range cfg.Nodes {
		if _, dup := set.keys[node.Index]; dup {
			return nil, fmt.Errorf("node %d listed twice", node.Index)
		}
		raw, err := hex.DecodeString(node.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("node %d key: %w", node.Index, err)
		}
		pub, err := schnorr.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("node %d key: %w", node.Index, err)
		}
		set.keys[node.Index] = pub
	}
	return set, nil
}

// Epoch returns the epoch the set is valid for.
func (s *SigningSet) Epoch() uint64 { return s.epoch }

// Threshold returns the number of signatures required.
func (s *SigningSet) Threshold() int { return s.threshold }

// Verify checks that result carries at least threshold valid signatures
// from distinct members over its digest bound to commitment. Any unknown,
// repeated or invalid signature fails the whole result. It returns the
// indexes of the nodes that signed.
func (s *SigningSet) Verify(result SignedResult, commitment computation.Digest) ([]uint16, error) {
	if result.Epoch != s.epoch {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrEpochMismatch, result.Epoch, s.epoch)
	}
	msg, err := SigningDigest(result, commitment)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint16]struct{}, len(result.Signatures))
	signers := make([]uint16, 0, len(result.Signatures))
	for _, ns := range result.Signatures {
		pub, ok := s.keys[ns.Node]
		if !ok {
			return nil, fmt.Errorf("%w: node %d", ErrUnknownSigner, ns.Node)
		}
		if _, dup := seen[ns.Node]; dup {
			return nil, fmt.Errorf("%w: node %d", ErrDuplicateSigner, ns.Node)
		}
		seen[ns.Node] = struct{}{}

		sig, err := schnorr.ParseSignature(ns.Signature[:])
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrBadSignature, ns.Node, err)
		}
		if !sig.Verify(msg[:], pub) {
			return nil, fmt.Errorf("%w: node %d", ErrBadSignature, ns.Node)
		}
		signers = append(signers, ns.Node)
	}
	if len(signers) < s.threshold {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientSignatures, len(signers), s.threshold)
	}
	return signers, nil
}

// NodeSigner is one cluster node's signing key.
type NodeSigner struct {
	Index uint16
	key   *btcec.PrivateKey
}

// GenerateNodeSigner creates a signer with a fresh key.
func GenerateNodeSigner(index uint16) (NodeSigner, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return NodeSigner{}, err
	}
	return NodeSigner{Index: index, key: key}, nil
}

// ParseNodeSigner loads a signer from a hex-encoded 32-byte secret.
func ParseNodeSigner(index uint16, secretHex string) (NodeSigner, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != 32 {
		return NodeSigner{}, fmt.Errorf("node %d secret must be 32 hex-encoded bytes", index)
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return NodeSigner{Index: index, key: key}, nil
}

// SecretHex returns the hex-encoded secret scalar.
func (n NodeSigner) SecretHex() string {
	return hex.EncodeToString(n.key.Serialize())
}

// NodeKey returns the x-only public key entry for a cluster configuration.
func (n NodeSigner) NodeKey() computation.NodeKey {
	return computation.NodeKey{
		Index:     n.Index,
		PublicKey: hex.EncodeToString(schnorr.SerializePubKey(n.key.PubKey())),
	}
}

// Sign signs digest.
func (n NodeSigner) Sign(digest computation.Digest) (NodeSignature, error) {
	sig, err := schnorr.Sign(n.key, digest[:])
	if err != nil {
		return NodeSignature{}, err
	}
	var out NodeSignature
	out.Node = n.Index
	copy(out.Signature[:], sig.Serialize())
	return out, nil
}

// SignResult has each signer sign result bound to commitment and attaches
// the signatures.
func SignResult(result SignedResult, commitment computation.Digest, signers []NodeSigner) (SignedResult, error) {
	msg, err := SigningDigest(result, commitment)
	if err != nil {
		return result, err
	}
	result.Signatures = make([]NodeSignature, 0, len(signers))
	for _, s := range signers {
		sig, err := s.Sign(msg)
		if err != nil {
			return result, err
		}
		result.Signatures = append(result.Signatures, sig)
	}
	return result, nil
}
