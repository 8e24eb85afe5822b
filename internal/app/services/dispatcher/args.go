package dispatcher

import "github.com/R3E-Network/confidential_layer/internal/app/domain/computation"

// ArgBuilder assembles an argument bundle in positional order. The cluster
// reads operands by position, so callers append them in the order the
// circuit declares its inputs.
type ArgBuilder struct {
	args []computation.Argument
}

// NewArgBuilder starts an empty bundle.
func NewArgBuilder() *ArgBuilder { return &ArgBuilder{} }

// X25519PublicKey appends the caller's public key.
func (b *ArgBuilder) X25519PublicKey(key computation.PublicKey) *ArgBuilder {
	return b.add(computation.ArgX25519PublicKey, key[:])
}

// PlaintextU128 appends the 128-bit nonce, little-endian.
func (b *ArgBuilder) PlaintextU128(nonce computation.Nonce) *ArgBuilder {
	return b.add(computation.ArgPlaintextU128, nonce[:])
}

// EncryptedU64 appends one encrypted operand.
func (b *ArgBuilder) EncryptedU64(ct computation.Ciphertext) *ArgBuilder {
	return b.add(computation.ArgEncryptedU64, ct[:])
}

// Build returns the assembled bundle.
func (b *ArgBuilder) Build() []computation.Argument {
	out := make([]computation.Argument, len(b.args))
	copy(out, b.args)
	return out
}

func (b *ArgBuilder) add(kind computation.ArgKind, value []byte) *ArgBuilder {
	b.args = append(b.args, computation.Argument{Kind: kind, Value: append([]byte(nil), value...)})
	return b
}
