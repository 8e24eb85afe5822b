// Package sealing encrypts and decrypts the 32-byte operands exchanged with
// the confidential compute cluster.
//
// A caller and the cluster share a secret via X25519. For each request the
// secret and the request nonce derive a field key with HKDF-SHA256, and
// every field is XORed with a ChaCha20 keystream keyed by that field key
// and the field's position. A field holds a u64 little-endian in its first
// eight bytes; the remaining bytes are zero, which lets Open reject
// ciphertexts sealed under a different key or nonce.
package sealing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// FieldSize is the width of one sealed field.
	FieldSize = 32
	// KeySize is the width of X25519 keys and shared secrets.
	KeySize = 32
	// NonceSize is the width of the request nonce.
	NonceSize = 16
)

var kdfInfo = []byte("confidential-layer/operand/v1")

// ErrCorrupt is returned when a field does not decode to a valid value.
var ErrCorrupt = errors.New("sealing: field does not decode under this key")

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeyPair draws a fresh key pair from r, or crypto/rand when r is nil.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Secret[:]); err != nil {
		return kp, fmt.Errorf("sealing: read secret: %w", err)
	}
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairFromSecret rebuilds a key pair from its secret scalar.
func KeyPairFromSecret(secret [KeySize]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	kp := KeyPair{Secret: secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// NewNonce draws a random request nonce.
func NewNonce(r io.Reader) ([NonceSize]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	var n [NonceSize]byte
	_, err := io.ReadFull(r, n[:])
	return n, err
}

// Cipher seals and opens the fields of one request.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the field key for a request from the local secret, the
// peer's public key and the request nonce.
func NewCipher(secret, peerPublic [KeySize]byte, nonce [NonceSize]byte) (*Cipher, error) {
	shared, err := curve25519.X25519(secret[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("sealing: key agreement: %w", err)
	}
	c := &Cipher{}
	kdf := hkdf.New(sha256.New, shared, nonce[:], kdfInfo)
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cipher) xor(index int, in [FieldSize]byte) [FieldSize]byte {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[:4], uint32(index))
	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	var out [FieldSize]byte
	stream.XORKeyStream(out[:], in[:])
	return out
}

// SealU64 encrypts v as field index.
func (c *Cipher) SealU64(index int, v uint64) [FieldSize]byte {
	var plain [FieldSize]byte
	binary.LittleEndian.PutUint64(plain[:8], v)
	return c.xor(index, plain)
}

// SealBool encrypts b as field index.
func (c *Cipher) SealBool(index int, b bool) [FieldSize]byte {
	var v uint64
	if b {
		v = 1
	}
	return c.SealU64(index, v)
}

// OpenU64 decrypts field index.
func (c *Cipher) OpenU64(index int, field [FieldSize]byte) (uint64, error) {
	plain := c.xor(index, field)
	var pad byte
	for _, b := range plain[8:] {
		pad |= b
	}
	if pad != 0 {
		return 0, ErrCorrupt
	}
	return binary.LittleEndian.Uint64(plain[:8]), nil
}

// OpenBool decrypts field index and requires it to be 0 or 1.
func (c *Cipher) OpenBool(index int, field [FieldSize]byte) (bool, error) {
	v, err := c.OpenU64(index, field)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, ErrCorrupt
	}
	return v == 1, nil
}
