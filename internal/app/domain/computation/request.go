package computation

import (
	"fmt"
	"time"
)

// Status is the position of a request in its lifecycle:
//
//	Queued -> Verified -> Emitted
//	Queued -> Unverified -> Aborted
type Status string

const (
	StatusQueued     Status = "queued"
	StatusVerified   Status = "verified"
	StatusEmitted    Status = "emitted"
	StatusUnverified Status = "unverified"
	StatusAborted    Status = "aborted"
)

var transitions = map[Status][]Status{
	StatusQueued:     {StatusVerified, StatusUnverified},
	StatusVerified:   {StatusEmitted},
	StatusUnverified: {StatusAborted},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEmitted || s == StatusAborted
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Argument is one positional entry of the bundle handed to the cluster.
type Argument struct {
	Kind  ArgKind `json:"kind"`
	Value []byte  `json:"value"`
}

// CallbackBinding names the instruction run when the cluster answers.
type CallbackBinding struct {
	Instruction string `json:"instruction"`
	RequestID   uint64 `json:"request_id"`
}

// Request is a queued computation, keyed by its caller-chosen id.
type Request struct {
	ID          uint64          `json:"id"`
	Circuit     Circuit         `json:"circuit"`
	Offset      uint32          `json:"offset"`
	Address     Address         `json:"address"`
	Args        []Argument      `json:"args"`
	Callback    CallbackBinding `json:"callback"`
	Commitment  Digest          `json:"commitment"`
	Status      Status          `json:"status"`
	Forwarded   bool            `json:"forwarded"`
	Attempts    int             `json:"attempts"`
	AbortReason string          `json:"abort_reason,omitempty"`
	EventSeq    uint64          `json:"event_seq,omitempty"`
	QueuedAt    time.Time       `json:"queued_at"`
	ForwardedAt time.Time       `json:"forwarded_at,omitempty"`
	ResolvedAt  time.Time       `json:"resolved_at,omitempty"`
}

// Context returns the encryption context carried by the first two
// arguments of the bundle.
func (r Request) Context() (EncryptionContext, error) {
	var ec EncryptionContext
	if len(r.Args) < 2 || r.Args[0].Kind != ArgX25519PublicKey || r.Args[1].Kind != ArgPlaintextU128 {
		return ec, fmt.Errorf("%w: request %d has no encryption context", ErrMalformedOperands, r.ID)
	}
	if len(r.Args[0].Value) != PublicKeySize || len(r.Args[1].Value) != NonceSize {
		return ec, fmt.Errorf("%w: request %d encryption context has wrong width", ErrMalformedOperands, r.ID)
	}
	copy(ec.PublicKey[:], r.Args[0].Value)
	copy(ec.Nonce[:], r.Args[1].Value)
	return ec, nil
}

// Operands returns the encrypted operands in positional order.
func (r Request) Operands() []Ciphertext {
	if len(r.Args) < 2 {
		return nil
	}
	out := make([]Ciphertext, 0, len(r.Args)-2)
	for _, a := range r.Args[2:] {
		var ct Ciphertext
		copy(ct[:], a.Value)
		out = append(out, ct)
	}
	return out
}
