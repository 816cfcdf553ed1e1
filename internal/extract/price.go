// Package extract implements the local extraction path: identifying
// the merchant from raw OCR text and pulling structured fields out of
// it with the merchant's template, then scoring how trustworthy the
// result looks.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var nonPriceChars = regexp.MustCompile(`[^0-9,.]`)

// ParsePrice handles the number formats seen on receipts: "1,500.00",
// "1500,00" (European comma decimal), "1.500,00" and plain integers.
// When both separators appear the comma is taken as the decimal point.
func ParsePrice(s string) (decimal.Decimal, error) {
	cleaned := nonPriceChars.ReplaceAllString(s, "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("no digits in %q", s)
	}
	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
			// 1.500,00
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			// 1,500.00
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case hasComma:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", s, err)
	}
	return d, nil
}

// ParseQuantity parses a quantity field, defaulting to 1 when empty.
func ParseQuantity(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NewFromInt(1)
	}
	q, err := ParsePrice(s)
	if err != nil || q.IsZero() {
		return decimal.NewFromInt(1)
	}
	return q
}
