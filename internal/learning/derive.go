package learning

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
)

var numberRe = regexp.MustCompile(`[0-9][0-9.,]*`)

// deriveItemPatterns finds the receipt line each AI item came from and
// generalizes it into a regex: the name, quantity and price become
// capture groups, literal separators and suffixes stay as printed.
func deriveItemPatterns(rawText string, items []models.ReceiptItem) []string {
	lines := strings.Split(rawText, "\n")
	seen := make(map[string]bool)
	var out []string
	for _, item := range items {
		line, ok := findItemLine(lines, item)
		if !ok {
			continue
		}
		pattern, ok := generalizeLine(line, item)
		if !ok {
			continue
		}
		if !seen[pattern] {
			seen[pattern] = true
			out = append(out, pattern)
		}
	}
	return out
}

// findItemLine locates the line that carries both the item's name and
// its price.
func findItemLine(lines []string, item models.ReceiptItem) (string, bool) {
	cleanName := normalize.Clean(item.RawName)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !lineHasAmount(line, item.UnitPrice) && !lineHasAmount(line, item.LineTotal) {
			continue
		}
		cleanLine := normalize.Clean(line)
		if strings.Contains(cleanLine, cleanName) ||
			normalize.TokenSetSimilarity(cleanLine, cleanName) >= 0.5 {
			return line, true
		}
	}
	return "", false
}

func lineHasAmount(line string, want decimal.Decimal) bool {
	for _, tok := range numberRe.FindAllString(line, -1) {
		if v, err := extract.ParsePrice(tok); err == nil && v.Equal(want) {
			return true
		}
	}
	return false
}

// generalizeLine replaces the price (and quantity, when printed) with
// capture groups. Whatever trails the price, a currency marker usually,
// is kept literally.
func generalizeLine(line string, item models.ReceiptItem) (string, bool) {
	line = strings.TrimSpace(line)
	tokens := numberRe.FindAllStringIndex(line, -1)
	if len(tokens) == 0 {
		return "", false
	}

	// The price is the last numeric token equal to the unit price.
	priceIdx := -1
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := line[tokens[i][0]:tokens[i][1]]
		if v, err := extract.ParsePrice(tok); err == nil && v.Equal(item.UnitPrice) {
			priceIdx = i
			break
		}
	}
	if priceIdx == -1 {
		return "", false
	}
	priceStart, priceEnd := tokens[priceIdx][0], tokens[priceIdx][1]

	nameEnd := priceStart
	qtyPart := `(?:(?P<qty>\d+(?:[.,]\d+)?)\s*[xX*]\s*)?`
	if !item.Quantity.Equal(decimal.NewFromInt(1)) {
		// A printed quantity sits before the price, followed by a
		// multiplication marker.
		for i := 0; i < priceIdx; i++ {
			tok := line[tokens[i][0]:tokens[i][1]]
			v, err := extract.ParsePrice(tok)
			if err != nil || !v.Equal(item.Quantity) {
				continue
			}
			between := strings.TrimSpace(line[tokens[i][1]:priceStart])
			if between == "x" || between == "X" || between == "*" {
				nameEnd = tokens[i][0]
				break
			}
		}
	}

	name := strings.TrimSpace(line[:nameEnd])
	if name == "" || normalize.Clean(name) == "" {
		return "", false
	}

	var b strings.Builder
	b.WriteString(`^(?P<name>[A-Za-z][^:]*?)\s+`)
	b.WriteString(qtyPart)
	b.WriteString(`(?P<price>[0-9][0-9.,]*)`)
	if trailing := strings.TrimSpace(line[priceEnd:]); trailing != "" && len(trailing) <= 4 {
		b.WriteString(`\s*`)
		b.WriteString(regexp.QuoteMeta(trailing))
	}
	b.WriteString(`\s*$`)
	return b.String(), true
}

// deriveTotalPattern finds the line printing the receipt total and
// turns its label into a pattern. Falls back to a plain TOTAL match.
func deriveTotalPattern(rawText string, ai *models.ExtractionResult) string {
	const fallback = `(?i)\bTOTAL[:\s]*([0-9][0-9.,]*)`
	if ai.Total == nil {
		return fallback
	}
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		for _, loc := range numberRe.FindAllStringIndex(line, -1) {
			tok := line[loc[0]:loc[1]]
			v, err := extract.ParsePrice(tok)
			if err != nil || !v.Equal(*ai.Total) {
				continue
			}
			label := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line[:loc[0]]), ":"))
			if label == "" || !hasLetters(label) {
				continue
			}
			return `(?i)` + regexp.QuoteMeta(label) + `[:\s]*([0-9][0-9.,]*)`
		}
	}
	return fallback
}

func hasLetters(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}
