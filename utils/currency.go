package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatCurrency renders an amount with thousands separators and two
// decimals, e.g. 15000.5 -> "15,000.50" and -200 -> "-200.00".
func FormatCurrency(amount decimal.Decimal) string {
	formatted := amount.Abs().StringFixed(2)
	parts := strings.SplitN(formatted, ".", 2)
	integerPart := parts[0]

	var groups []string
	for i := len(integerPart); i > 0; i -= 3 {
		start := i - 3
		if start < 0 {
			start = 0
		}
		groups = append([]string{integerPart[start:i]}, groups...)
	}

	result := strings.Join(groups, ",") + "." + parts[1]
	if amount.IsNegative() {
		return "-" + result
	}
	return result
}
