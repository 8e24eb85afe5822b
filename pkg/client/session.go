package client

import (
	"fmt"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

// Session holds the caller's X25519 key and the cluster's MXE public key.
// It seals operands for submission and opens result events.
type Session struct {
	Caller sealing.KeyPair
	MXE    computation.PublicKey
}

// NewSession creates a session with a fresh caller key.
func NewSession(mxe computation.PublicKey) (*Session, error) {
	kp, err := sealing.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	return &Session{Caller: kp, MXE: mxe}, nil
}

// Seal encrypts values under a fresh nonce. Operand i is sealed at field
// index i, matching the circuit's input order.
func (s *Session) Seal(values ...uint64) (computation.EncryptionContext, []computation.Ciphertext, error) {
	nonce, err := sealing.NewNonce(nil)
	if err != nil {
		return computation.EncryptionContext{}, nil, err
	}
	c, err := sealing.NewCipher(s.Caller.Secret, s.MXE, nonce)
	if err != nil {
		return computation.EncryptionContext{}, nil, err
	}
	out := make([]computation.Ciphertext, len(values))
	for i, v := range values {
		out[i] = c.SealU64(i, v)
	}
	return computation.EncryptionContext{PublicKey: s.Caller.Public, Nonce: nonce}, out, nil
}

// Submission seals values into a ready-to-send Submission.
func (s *Session) Submission(requestID uint64, values ...uint64) (Submission, error) {
	ec, operands, err := s.Seal(values...)
	if err != nil {
		return Submission{}, err
	}
	return Submission{RequestID: requestID, Context: ec, Operands: operands}, nil
}

// Output is one opened result field.
type Output struct {
	Name  string              `json:"name"`
	Kind  computation.ArgKind `json:"kind"`
	Value uint64              `json:"value"`
}

// Bool reports a boolean output.
func (o Output) Bool() bool { return o.Value == 1 }

func (o Output) String() string {
	if o.Kind == computation.ArgEncryptedBool {
		return fmt.Sprintf("%s=%t", o.Name, o.Bool())
	}
	return fmt.Sprintf("%s=%d", o.Name, o.Value)
}

// Open unseals every field of a result event with the event's nonce.
func (s *Session) Open(event computation.ResultEvent) ([]Output, error) {
	c, err := sealing.NewCipher(s.Caller.Secret, s.MXE, event.Nonce)
	if err != nil {
		return nil, err
	}
	out := make([]Output, 0, len(event.Fields))
	for i, f := range event.Fields {
		o := Output{Name: f.Name, Kind: f.Kind}
		switch f.Kind {
		case computation.ArgEncryptedBool:
			b, err := c.OpenBool(i, f.Ciphertext)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", f.Name, err)
			}
			if b {
				o.Value = 1
			}
		default:
			v, err := c.OpenU64(i, f.Ciphertext)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", f.Name, err)
			}
			o.Value = v
		}
		out = append(out, o)
	}
	return out, nil
}
