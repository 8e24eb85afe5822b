package computation

import (
	"fmt"
	"time"
)

// EventKind classifies entries of the append-only event log.
type EventKind string

const (
	EventDefinitionRegistered EventKind = "definition.registered"
	EventComputationQueued    EventKind = "computation.queued"
	EventComputationEmitted   EventKind = "computation.emitted"
	EventComputationAborted   EventKind = "computation.aborted"
)

// Field is one named output ciphertext.
type Field struct {
	Name       string     `json:"name"`
	Kind       ArgKind    `json:"kind"`
	Ciphertext Ciphertext `json:"ciphertext"`
}

// ResultEvent is the caller-visible result of a verified computation. The
// fields are still encrypted under the caller's key.
type ResultEvent struct {
	RequestID uint64  `json:"request_id"`
	Circuit   Circuit `json:"circuit"`
	Fields    []Field `json:"fields"`
	Nonce     Nonce   `json:"nonce"`
}

// Field looks up an output by name.
func (e ResultEvent) Field(name string) (Ciphertext, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Ciphertext, true
		}
	}
	return Ciphertext{}, false
}

// LogEntry is one record of the event log.
type LogEntry struct {
	Seq       uint64       `json:"seq"`
	ID        string       `json:"id"`
	Kind      EventKind    `json:"kind"`
	RequestID uint64       `json:"request_id,omitempty"`
	Circuit   Circuit      `json:"circuit,omitempty"`
	Result    *ResultEvent `json:"result,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// PrivateTransferEvent is the typed result of private_transfer.
type PrivateTransferEvent struct {
	IsValid          Ciphertext `json:"is_valid"`
	NewSenderBalance Ciphertext `json:"new_sender_balance"`
	Nonce            Nonce      `json:"nonce"`
}

// BalanceCheckEvent is the typed result of check_balance.
type BalanceCheckEvent struct {
	MeetsMinimum Ciphertext `json:"meets_minimum"`
	Nonce        Nonce      `json:"nonce"`
}

// SwapValidationEvent is the typed result of validate_swap.
type SwapValidationEvent struct {
	IsValid         Ciphertext `json:"is_valid"`
	NewInputBalance Ciphertext `json:"new_input_balance"`
	SlippageOK      Ciphertext `json:"slippage_ok"`
	Nonce           Nonce      `json:"nonce"`
}

// AsPrivateTransfer projects a result onto the private_transfer shape.
func (e ResultEvent) AsPrivateTransfer() (PrivateTransferEvent, error) {
	if err := e.expect(CircuitPrivateTransfer); err != nil {
		return PrivateTransferEvent{}, err
	}
	return PrivateTransferEvent{
		IsValid:          e.Fields[0].Ciphertext,
		NewSenderBalance: e.Fields[1].Ciphertext,
		Nonce:            e.Nonce,
	}, nil
}

// AsBalanceCheck projects a result onto the check_balance shape.
func (e ResultEvent) AsBalanceCheck() (BalanceCheckEvent, error) {
	if err := e.expect(CircuitCheckBalance); err != nil {
		return BalanceCheckEvent{}, err
	}
	return BalanceCheckEvent{MeetsMinimum: e.Fields[0].Ciphertext, Nonce: e.Nonce}, nil
}

// AsSwapValidation projects a result onto the validate_swap shape.
func (e ResultEvent) AsSwapValidation() (SwapValidationEvent, error) {
	if err := e.expect(CircuitValidateSwap); err != nil {
		return SwapValidationEvent{}, err
	}
	return SwapValidationEvent{
		IsValid:         e.Fields[0].Ciphertext,
		NewInputBalance: e.Fields[1].Ciphertext,
		SlippageOK:      e.Fields[2].Ciphertext,
		Nonce:           e.Nonce,
	}, nil
}

func (e ResultEvent) expect(c Circuit) error {
	if e.Circuit != c {
		return fmt.Errorf("result for %s is not a %s result", e.Circuit, c)
	}
	tmpl, err := Template(c)
	if err != nil {
		return err
	}
	if len(e.Fields) != len(tmpl.Outputs) {
		return fmt.Errorf("%s result has %d fields, want %d", c, len(e.Fields), len(tmpl.Outputs))
	}
	for i, p := range tmpl.Outputs {
		if e.Fields[i].Name != p.Name {
			return fmt.Errorf("%s result field %d is %q, want %q", c, i, e.Fields[i].Name, p.Name)
		}
	}
	return nil
}
