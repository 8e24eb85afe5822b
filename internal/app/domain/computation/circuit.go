package computation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Circuit names one fixed computation the cluster evaluates.
type Circuit string

const (
	CircuitPrivateTransfer Circuit = "private_transfer"
	CircuitCheckBalance    Circuit = "check_balance"
	CircuitValidateSwap    Circuit = "validate_swap"
)

// ArgKind is the type tag of one entry in an argument bundle or output list.
type ArgKind string

const (
	ArgX25519PublicKey ArgKind = "x25519_pubkey"
	ArgPlaintextU128   ArgKind = "plaintext_u128"
	ArgEncryptedU64    ArgKind = "encrypted_u64"
	ArgEncryptedBool   ArgKind = "encrypted_bool"
)

// Param is a named, typed position in a circuit's input or output layout.
type Param struct {
	Name string  `json:"name"`
	Kind ArgKind `json:"kind"`
}

// Definition is the registry entry for a circuit. It is written once and
// never updated.
type Definition struct {
	Circuit   Circuit   `json:"circuit"`
	Offset    uint32    `json:"offset"`
	Address   Address   `json:"address"`
	Inputs    []Param   `json:"inputs"`
	Outputs   []Param   `json:"outputs"`
	Callback  string    `json:"callback"`
	CreatedAt time.Time `json:"created_at"`
}

// Offset derives the stable 32-bit identifier of a circuit: the first four
// bytes of sha256(name) read little-endian.
func Offset(name Circuit) uint32 {
	sum := sha256.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// CallbackInstruction is the name of the instruction executed on completion.
func CallbackInstruction(name Circuit) string {
	return string(name) + "_callback"
}

var catalog = []Definition{
	{
		Circuit: CircuitPrivateTransfer,
		Inputs: []Param{
			{Name: "sender_balance", Kind: ArgEncryptedU64},
			{Name: "amount", Kind: ArgEncryptedU64},
			{Name: "min_balance", Kind: ArgEncryptedU64},
		},
		Outputs: []Param{
			{Name: "is_valid", Kind: ArgEncryptedBool},
			{Name: "new_sender_balance", Kind: ArgEncryptedU64},
		},
	},
	{
		Circuit: CircuitCheckBalance,
		Inputs: []Param{
			{Name: "balance", Kind: ArgEncryptedU64},
			{Name: "minimum", Kind: ArgEncryptedU64},
		},
		Outputs: []Param{
			{Name: "meets_minimum", Kind: ArgEncryptedBool},
		},
	},
	{
		Circuit: CircuitValidateSwap,
		Inputs: []Param{
			{Name: "input_balance", Kind: ArgEncryptedU64},
			{Name: "input_amount", Kind: ArgEncryptedU64},
			{Name: "min_output", Kind: ArgEncryptedU64},
			{Name: "actual_output", Kind: ArgEncryptedU64},
		},
		Outputs: []Param{
			{Name: "is_valid", Kind: ArgEncryptedBool},
			{Name: "new_input_balance", Kind: ArgEncryptedU64},
			{Name: "slippage_ok", Kind: ArgEncryptedBool},
		},
	},
}

// Circuits lists the known circuits in registration order.
func Circuits() []Circuit {
	out := make([]Circuit, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d.Circuit)
	}
	return out
}

// Template returns the unregistered definition of a known circuit with its
// offset and callback filled in.
func Template(name Circuit) (Definition, error) {
	for _, d := range catalog {
		if d.Circuit != name {
			continue
		}
		def := d
		def.Inputs = append([]Param(nil), d.Inputs...)
		def.Outputs = append([]Param(nil), d.Outputs...)
		def.Offset = Offset(name)
		def.Callback = CallbackInstruction(name)
		return def, nil
	}
	return Definition{}, fmt.Errorf("%w: %q", ErrUnknownCircuit, name)
}

// ParseCircuit validates a circuit name.
func ParseCircuit(s string) (Circuit, error) {
	c := Circuit(s)
	if _, err := Template(c); err != nil {
		return "", err
	}
	return c, nil
}

// ExpectedArgs returns the full argument layout of a request for def: the
// encryption context followed by the encrypted inputs.
func (d Definition) ExpectedArgs() []ArgKind {
	kinds := make([]ArgKind, 0, len(d.Inputs)+2)
	kinds = append(kinds, ArgX25519PublicKey, ArgPlaintextU128)
	for _, p := range d.Inputs {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}
