// Package circuits contains the arithmetic evaluated inside the compute
// cluster for each registered circuit.
//
// The functions take and return plaintext values; encryption is the
// cluster's concern. Every output is produced without data-dependent
// branching: both arms of each choice are computed and combined with a
// mask, so evaluation cost does not depend on any secret.
package circuits

import (
	"fmt"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// TransferResult is the output of PrivateTransfer.
type TransferResult struct {
	IsValid          bool
	NewSenderBalance uint64
}

// PrivateTransfer debits amount from senderBalance when the balance held
// above minBalance covers it. Both subtractions wrap modulo 2^64: when
// minBalance exceeds senderBalance the available amount wraps to a large
// value, and a valid debit of more than senderBalance wraps the new
// balance. An invalid transfer leaves the balance unchanged.
func PrivateTransfer(senderBalance, amount, minBalance uint64) TransferResult {
	available := senderBalance - minBalance
	valid := geq(available, amount)
	return TransferResult{
		IsValid:          toBool(valid),
		NewSenderBalance: selectU64(valid, senderBalance-amount, senderBalance),
	}
}

// CheckBalance reports whether balance >= minimum.
func CheckBalance(balance, minimum uint64) bool {
	return toBool(geq(balance, minimum))
}

// SwapResult is the output of ValidateSwap. HasBalance is an intermediate
// kept for inspection; it is not emitted.
type SwapResult struct {
	IsValid         bool
	NewInputBalance uint64
	SlippageOK      bool
	HasBalance      bool
}

// ValidateSwap checks that the input balance covers inputAmount and that
// actualOutput meets minOutput.
//
// NewInputBalance is debited whenever the balance suffices, even when the
// slippage check fails and IsValid is false. Consumers must gate on
// IsValid before applying it.
func ValidateSwap(inputBalance, inputAmount, minOutput, actualOutput uint64) SwapResult {
	hasBalance := geq(inputBalance, inputAmount)
	slippageOK := geq(actualOutput, minOutput)
	return SwapResult{
		IsValid:         toBool(and(hasBalance, slippageOK)),
		NewInputBalance: selectU64(hasBalance, inputBalance-inputAmount, inputBalance),
		SlippageOK:      toBool(slippageOK),
		HasBalance:      toBool(hasBalance),
	}
}

// Evaluate runs the named circuit over plaintext inputs given in layout
// order and returns its outputs in layout order, booleans as 0 or 1.
func Evaluate(name computation.Circuit, inputs []uint64) ([]uint64, error) {
	def, err := computation.Template(name)
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(def.Inputs) {
		return nil, fmt.Errorf("%w: %s takes %d inputs, got %d", computation.ErrMalformedOperands, name, len(def.Inputs), len(inputs))
	}

	switch name {
	case computation.CircuitPrivateTransfer:
		r := PrivateTransfer(inputs[0], inputs[1], inputs[2])
		return []uint64{fromBool(r.IsValid), r.NewSenderBalance}, nil
	case computation.CircuitCheckBalance:
		return []uint64{fromBool(CheckBalance(inputs[0], inputs[1]))}, nil
	case computation.CircuitValidateSwap:
		r := ValidateSwap(inputs[0], inputs[1], inputs[2], inputs[3])
		return []uint64{fromBool(r.IsValid), r.NewInputBalance, fromBool(r.SlippageOK)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", computation.ErrUnknownCircuit, name)
	}
}
