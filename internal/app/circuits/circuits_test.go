package circuits

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

func TestPrivateTransferScenarios(t *testing.T) {
	cases := []struct {
		name                        string
		balance, amount, minBalance uint64
		wantValid                   bool
		wantBalance                 uint64
	}{
		{"valid debit", 1000, 600, 100, true, 400},
		{"would drop below minimum", 1000, 950, 100, false, 1000},
		{"exact minimum", 1000, 900, 100, true, 100},
		{"insufficient funds", 50, 51, 0, false, 50},
		{"zero amount", 7, 0, 7, true, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PrivateTransfer(tc.balance, tc.amount, tc.minBalance)
			require.Equal(t, tc.wantValid, got.IsValid)
			require.Equal(t, tc.wantBalance, got.NewSenderBalance)
		})
	}
}

func TestPrivateTransferWrapsAvailable(t *testing.T) {
	cases := []struct {
		name                        string
		balance, amount, minBalance uint64
		wantValid                   bool
		wantBalance                 uint64
	}{
		// 100 - 200 wraps to 2^64 - 100, which covers the amount.
		{"minimum above balance", 100, 5, 200, true, 95},
		// 0 - 1 wraps the available amount, then the debit wraps the balance.
		{"empty account", 0, 1, 1, true, math.MaxUint64},
		{"amount above balance without wrap", 10, 20, 5, false, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PrivateTransfer(tc.balance, tc.amount, tc.minBalance)
			require.Equal(t, tc.wantValid, got.IsValid)
			require.Equal(t, tc.wantBalance, got.NewSenderBalance)
		})
	}
}

func TestPrivateTransferProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64().Draw(t, "balance")
		a := rapid.Uint64().Draw(t, "amount")
		m := rapid.Uint64().Draw(t, "min")

		got := PrivateTransfer(b, a, m)
		valid := b-m >= a
		if got.IsValid != valid {
			t.Fatalf("IsValid = %v, want %v", got.IsValid, valid)
		}
		want := b
		if valid {
			want = b - a
		}
		if got.NewSenderBalance != want {
			t.Fatalf("NewSenderBalance = %d, want %d", got.NewSenderBalance, want)
		}
	})
}

func TestPrivateTransferPropertyMinimumAboveBalance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64Range(0, math.MaxUint64-1).Draw(t, "balance")
		m := rapid.Uint64Range(b+1, math.MaxUint64).Draw(t, "min")
		a := rapid.Uint64().Draw(t, "amount")

		got := PrivateTransfer(b, a, m)
		available := math.MaxUint64 - (m - b) + 1
		if got.IsValid != (available >= a) {
			t.Fatalf("IsValid = %v with available %d, amount %d", got.IsValid, available, a)
		}
	})
}

func TestCheckBalanceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Uint64().Draw(t, "balance")
		m := rapid.Uint64().Draw(t, "minimum")
		if CheckBalance(b, m) != (b >= m) {
			t.Fatalf("CheckBalance(%d, %d) disagrees with >=", b, m)
		}
	})
}

func TestCheckBalanceEdges(t *testing.T) {
	require.True(t, CheckBalance(0, 0))
	require.True(t, CheckBalance(math.MaxUint64, math.MaxUint64))
	require.False(t, CheckBalance(math.MaxUint64-1, math.MaxUint64))
}

func TestValidateSwapSlippageFailureStillDebits(t *testing.T) {
	got := ValidateSwap(500, 500, 100, 90)
	require.True(t, got.HasBalance)
	require.False(t, got.SlippageOK)
	require.False(t, got.IsValid)
	require.Equal(t, uint64(0), got.NewInputBalance)
}

func TestValidateSwapProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bal := rapid.Uint64().Draw(t, "input_balance")
		amt := rapid.Uint64().Draw(t, "input_amount")
		minOut := rapid.Uint64().Draw(t, "min_output")
		actual := rapid.Uint64().Draw(t, "actual_output")

		got := ValidateSwap(bal, amt, minOut, actual)
		hasBalance := bal >= amt
		if got.HasBalance != hasBalance || got.SlippageOK != (actual >= minOut) {
			t.Fatalf("flags = %+v", got)
		}
		if got.IsValid != (hasBalance && actual >= minOut) {
			t.Fatalf("IsValid = %v", got.IsValid)
		}
		// The debit follows the balance check alone.
		want := bal
		if hasBalance {
			want = bal - amt
		}
		if got.NewInputBalance != want {
			t.Fatalf("NewInputBalance = %d, want %d", got.NewInputBalance, want)
		}
	})
}

func TestSelectU64(t *testing.T) {
	require.Equal(t, uint64(1), selectU64(1, 1, 2))
	require.Equal(t, uint64(2), selectU64(0, 1, 2))
	require.Equal(t, uint64(math.MaxUint64), selectU64(1, math.MaxUint64, 0))
	require.Equal(t, uint64(1), geq(5, 5))
	require.Equal(t, uint64(0), geq(4, 5))
}

func TestEvaluate(t *testing.T) {
	out, err := Evaluate(computation.CircuitPrivateTransfer, []uint64{1000, 600, 100})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 400}, out)

	out, err = Evaluate(computation.CircuitCheckBalance, []uint64{3, 4})
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, out)

	out, err = Evaluate(computation.CircuitValidateSwap, []uint64{500, 500, 100, 90})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0, 0}, out)

	_, err = Evaluate(computation.CircuitCheckBalance, []uint64{1})
	require.True(t, errors.Is(err, computation.ErrMalformedOperands))

	_, err = Evaluate("mint", nil)
	require.True(t, errors.Is(err, computation.ErrUnknownCircuit))
}
