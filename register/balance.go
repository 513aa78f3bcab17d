/*
balance.go - Balance calculator

PURPOSE:
  Turns raw ledger rows into per-method totals. Used by both the
  reconciliation engine (live balances) and the closing writer.

RULES:
  - Rows are classified with ClassifyMethod (case-insensitive substring)
  - Rows with an unknown method are skipped
  - Rows whose amount does not parse count as zero; one bad row never
    fails the whole aggregation
  - Summation is commutative, so input order does not matter

SEE ALSO:
  - method.go: ClassifyMethod
*/
package register

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Aggregate sums rows into per-method totals.
func Aggregate(rows []AmountRow) Totals {
	var totals Totals
	for _, row := range rows {
		method, ok := ClassifyMethod(row.Method)
		if !ok {
			continue
		}
		totals.add(method, parseAmount(row.Amount))
	}
	return totals
}

// AggregateTransactions is Aggregate over typed ledger rows.
func AggregateTransactions(txs []Transaction) Totals {
	var totals Totals
	for _, tx := range txs {
		totals.add(tx.Method, tx.Amount)
	}
	return totals
}

func parseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
