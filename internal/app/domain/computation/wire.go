package computation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	// CiphertextSize is the width of one encrypted u64 or bool.
	CiphertextSize = 32
	// PublicKeySize is the width of an X25519 public key.
	PublicKeySize = 32
	// NonceSize is the width of the 128-bit nonce in events.
	NonceSize = 16
	// AddressSize is the width of a derived storage slot address.
	AddressSize = 32
)

// Ciphertext is an opaque encrypted operand or output.
type Ciphertext [CiphertextSize]byte

// PublicKey is the X25519 public key identifying the encryption scheme
// instance a request's operands were sealed under.
type PublicKey [PublicKeySize]byte

// Nonce is a 128-bit value stored little-endian.
type Nonce [NonceSize]byte

// Address is a derived storage slot address.
type Address [AddressSize]byte

// Digest is a sha256 commitment.
type Digest [32]byte

// EncryptionContext is shared by every operand of one request.
type EncryptionContext struct {
	PublicKey PublicKey `json:"public_key"`
	Nonce     Nonce     `json:"nonce"`
}

// NewNonce builds a nonce from the high and low 64-bit halves of a u128.
func NewNonce(hi, lo uint64) Nonce {
	var n Nonce
	binary.LittleEndian.PutUint64(n[:8], lo)
	binary.LittleEndian.PutUint64(n[8:], hi)
	return n
}

// ParseNonceDecimal parses a base-10 u128.
func ParseNonceDecimal(s string) (Nonce, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return Nonce{}, fmt.Errorf("nonce %q is not a u128", s)
	}
	be := v.FillBytes(make([]byte, NonceSize))
	var n Nonce
	for i := range be {
		n[i] = be[NonceSize-1-i]
	}
	return n, nil
}

// Halves returns the high and low 64-bit halves.
func (n Nonce) Halves() (hi, lo uint64) {
	return binary.LittleEndian.Uint64(n[8:]), binary.LittleEndian.Uint64(n[:8])
}

// Big returns the nonce as an unsigned integer.
func (n Nonce) Big() *big.Int {
	be := make([]byte, NonceSize)
	for i := range n {
		be[NonceSize-1-i] = n[i]
	}
	return new(big.Int).SetBytes(be)
}

// LittleEndian returns the 16-byte event serialization.
func (n Nonce) LittleEndian() [NonceSize]byte { return n }

func (n Nonce) String() string { return n.Big().String() }

func (n Nonce) MarshalText() ([]byte, error)     { return marshalHex(n[:]) }
func (n *Nonce) UnmarshalText(text []byte) error { return unmarshalHex(text, n[:], "nonce") }

func (c Ciphertext) MarshalText() ([]byte, error)     { return marshalHex(c[:]) }
func (c *Ciphertext) UnmarshalText(text []byte) error { return unmarshalHex(text, c[:], "ciphertext") }
func (c Ciphertext) String() string                   { return hex.EncodeToString(c[:]) }

func (k PublicKey) MarshalText() ([]byte, error)     { return marshalHex(k[:]) }
func (k *PublicKey) UnmarshalText(text []byte) error { return unmarshalHex(text, k[:], "public key") }
func (k PublicKey) String() string                   { return hex.EncodeToString(k[:]) }

func (a Address) MarshalText() ([]byte, error)     { return marshalHex(a[:]) }
func (a *Address) UnmarshalText(text []byte) error { return unmarshalHex(text, a[:], "address") }
func (a Address) String() string                   { return hex.EncodeToString(a[:]) }

func (d Digest) MarshalText() ([]byte, error)     { return marshalHex(d[:]) }
func (d *Digest) UnmarshalText(text []byte) error { return unmarshalHex(text, d[:], "digest") }
func (d Digest) String() string                   { return hex.EncodeToString(d[:]) }

// IsZero reports whether the key is all zeroes.
func (k PublicKey) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

func marshalHex(b []byte) ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

func unmarshalHex(text []byte, dst []byte, what string) error {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(string(text)), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%s must be hex: %w", what, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%s must be %d bytes, got %d", what, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
