package register

import (
	"regexp"
	"strings"
)

// Substrings used to classify stored or legacy method text. Card is checked
// first because legacy card strings embed a terminal reference ("OP TPA").
var methodKeywords = []struct {
	method   PaymentMethod
	keywords []string
}{
	{MethodCard, []string{"multibanco", "card", "tpa", "cartão", "cartao"}},
	{MethodTransfer, []string{"transfer"}},
	{MethodCash, []string{"dinheiro", "cash", "numerário", "numerario"}},
}

// ClassifyMethod maps stored method text to a PaymentMethod using
// case-insensitive substring matching. "Multibanco (OP TPA: 123)" is card.
func ClassifyMethod(s string) (PaymentMethod, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "" {
		return "", false
	}
	for _, entry := range methodKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.method, true
			}
		}
	}
	return "", false
}

var terminalRefPattern = regexp.MustCompile(`(?i)op\s*tpa\s*:?\s*([^)]+)`)

// ParsePaymentMethod is the ingestion boundary for legacy free-text methods.
// It returns the method and, for card payments, the embedded terminal
// operation reference if one is present.
func ParsePaymentMethod(s string) (PaymentMethod, string, error) {
	method, ok := ClassifyMethod(s)
	if !ok {
		return "", "", invalid("pagamento", "unknown payment method")
	}
	if method != MethodCard {
		return method, "", nil
	}
	var ref string
	if m := terminalRefPattern.FindStringSubmatch(s); m != nil {
		ref = strings.TrimSpace(m[1])
	}
	return method, ref, nil
}
