package cluster

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

const (
	commitmentDomain = "confidential-layer/request/v1"
	resultDomain     = "confidential-layer/result/v1"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

type commitmentPayload struct {
	_         struct{} `cbor:",toarray"`
	Domain    string
	RequestID uint64
	Offset    uint32
	Kinds     []string
	Values    [][]byte
}

// Commitment binds a request id to its definition and exact argument
// bundle. Signatures over a result include it, so a result cannot be
// replayed against a different request.
func Commitment(requestID uint64, offset uint32, args []computation.Argument) (computation.Digest, error) {
	p := commitmentPayload{
		Domain:    commitmentDomain,
		RequestID: requestID,
		Offset:    offset,
		Kinds:     make([]string, len(args)),
		Values:    make([][]byte, len(args)),
	}
	for i, a := range args {
		p.Kinds[i] = string(a.Kind)
		p.Values[i] = a.Value
	}
	return digest(p)
}

type resultPayload struct {
	_          struct{} `cbor:",toarray"`
	Domain     string
	RequestID  uint64
	Offset     uint32
	Commitment []byte
	Outputs    [][]byte
	Nonce      []byte
	Epoch      uint64
}

// SigningDigest is the message every node signs for a result: the
// canonical CBOR encoding of the result and the request commitment,
// hashed with sha256.
func SigningDigest(result SignedResult, commitment computation.Digest) (computation.Digest, error) {
	outputs := make([][]byte, len(result.Outputs))
	for i := range result.Outputs {
		outputs[i] = result.Outputs[i][:]
	}
	return digest(resultPayload{
		Domain:     resultDomain,
		RequestID:  result.RequestID,
		Offset:     result.Offset,
		Commitment: commitment[:],
		Outputs:    outputs,
		Nonce:      result.Nonce[:],
		Epoch:      result.Epoch,
	})
}

func digest(v interface{}) (computation.Digest, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return computation.Digest{}, err
	}
	return sha256.Sum256(raw), nil
}
