package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

const (
	definitionSeed  = "computation_definition"
	computationSeed = "computation"
)

// DeriveDefinitionAddress is the account address holding a circuit's
// definition under programID.
func DeriveDefinitionAddress(programID computation.Address, offset uint32) computation.Address {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], offset)
	return derive(definitionSeed, programID, le[:])
}

// DeriveComputationAddress is the account address holding a request slot.
func DeriveComputationAddress(programID computation.Address, id uint64) computation.Address {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], id)
	return derive(computationSeed, programID, le[:])
}

func derive(seed string, programID computation.Address, key []byte) computation.Address {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write(programID[:])
	h.Write(key)
	var out computation.Address
	copy(out[:], h.Sum(nil))
	return out
}

// ParseProgramID decodes a 32-byte hex program id. An empty value derives a
// stable id from the label instead.
func ParseProgramID(raw, label string) (computation.Address, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return computation.Address(sha256.Sum256([]byte(label))), nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return computation.Address{}, fmt.Errorf("program id must be hex: %w", err)
	}
	if len(b) != computation.AddressSize {
		return computation.Address{}, fmt.Errorf("program id must be %d bytes, got %d", computation.AddressSize, len(b))
	}
	var id computation.Address
	copy(id[:], b)
	return id, nil
}
