package register_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cash-register/register"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func totals(cash, card, transfer string) register.Totals {
	return register.Totals{Cash: dec(cash), Card: dec(card), Transfer: dec(transfer)}
}

func assertTotals(t *testing.T, want, got register.Totals) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want cash=%s card=%s transfer=%s, got cash=%s card=%s transfer=%s",
		want.Cash, want.Card, want.Transfer, got.Cash, got.Card, got.Transfer)
}

// =============================================================================
// AGGREGATION
// =============================================================================

func TestAggregate_Empty(t *testing.T) {
	got := register.Aggregate(nil)
	assert.True(t, got.IsZero())
	assert.True(t, got.Total().IsZero())
}

func TestAggregate_SumsPerBucket(t *testing.T) {
	rows := []register.AmountRow{
		{Method: "cash", Amount: "10.00"},
		{Method: "card", Amount: "20.00"},
		{Method: "cash", Amount: "5.00"},
		{Method: "transfer", Amount: "7.50"},
	}

	got := register.Aggregate(rows)

	assertTotals(t, totals("15", "20", "7.5"), got)
	assert.True(t, dec("42.50").Equal(got.Total()))
}

func TestAggregate_PermutationInvariant(t *testing.T) {
	rows := []register.AmountRow{
		{Method: "Dinheiro", Amount: "1.10"},
		{Method: "Multibanco (OP TPA: 99)", Amount: "2.20"},
		{Method: "Transferência Bancária", Amount: "3.30"},
		{Method: "cash", Amount: "0.01"},
	}
	reversed := make([]register.AmountRow, len(rows))
	for i := range rows {
		reversed[len(rows)-1-i] = rows[i]
	}

	assertTotals(t, register.Aggregate(rows), register.Aggregate(reversed))
}

func TestAggregate_UnparseableAmountCountsAsZero(t *testing.T) {
	rows := []register.AmountRow{
		{Method: "cash", Amount: "abc"},
		{Method: "cash", Amount: ""},
		{Method: "cash", Amount: "4.00"},
	}

	got := register.Aggregate(rows)

	assertTotals(t, totals("4", "0", "0"), got)
}

func TestAggregate_UnknownMethodSkipped(t *testing.T) {
	rows := []register.AmountRow{
		{Method: "cheque", Amount: "100.00"},
		{Method: "", Amount: "100.00"},
		{Method: "transfer", Amount: "1.00"},
	}

	got := register.Aggregate(rows)

	assertTotals(t, totals("0", "0", "1"), got)
}

func TestAggregate_PreSummedGroups(t *testing.T) {
	// Stores may return one row per method instead of one row per sale.
	rows := []register.AmountRow{
		{Method: "cash", Amount: "15.00"},
		{Method: "card", Amount: "20.00"},
	}

	got := register.Aggregate(rows)

	assertTotals(t, totals("15", "20", "0"), got)
}

func TestAggregateTransactions(t *testing.T) {
	txs := []register.Transaction{
		{Method: register.MethodCash, Amount: dec("3.00")},
		{Method: register.MethodCard, Amount: dec("4.00")},
	}

	got := register.AggregateTransactions(txs)

	assertTotals(t, totals("3", "4", "0"), got)
}

// =============================================================================
// METHOD CLASSIFICATION
// =============================================================================

func TestClassifyMethod(t *testing.T) {
	tests := []struct {
		input string
		want  register.PaymentMethod
		ok    bool
	}{
		{"cash", register.MethodCash, true},
		{"Dinheiro", register.MethodCash, true},
		{"NUMERÁRIO", register.MethodCash, true},
		{"card", register.MethodCard, true},
		{"Multibanco", register.MethodCard, true},
		{"Multibanco (OP TPA: 123)", register.MethodCard, true},
		{"Cartão", register.MethodCard, true},
		{"transfer", register.MethodTransfer, true},
		{"Transferência Bancária", register.MethodTransfer, true},
		{"cheque", "", false},
		{"  ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := register.ClassifyMethod(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePaymentMethod_ExtractsTerminalRef(t *testing.T) {
	method, ref, err := register.ParsePaymentMethod("Multibanco (OP TPA: 4711)")
	require.NoError(t, err)
	assert.Equal(t, register.MethodCard, method)
	assert.Equal(t, "4711", ref)

	method, ref, err = register.ParsePaymentMethod("Dinheiro")
	require.NoError(t, err)
	assert.Equal(t, register.MethodCash, method)
	assert.Empty(t, ref)

	_, _, err = register.ParsePaymentMethod("vale")
	assert.ErrorIs(t, err, register.ErrValidation)
}

func TestTotals_Arithmetic(t *testing.T) {
	a := totals("10", "5", "1")
	b := totals("4", "5", "0.5")

	assertTotals(t, totals("14", "10", "1.5"), a.Add(b))
	assertTotals(t, totals("6", "0", "0.5"), a.Sub(b))
	assert.True(t, dec("16").Equal(a.Total()))
	assert.True(t, dec("5").Equal(a.Get(register.MethodCard)))
}
