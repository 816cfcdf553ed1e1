package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sombapp/receipt-service/internal/models"
)

// Fallback patterns used when a template lacks a field or produces
// nothing. Lines like "BANANE 2 x 1500" or "SAVON 3500".
var (
	genericItemRe  = regexp.MustCompile(`^(.+?)\s+(?:(\d+(?:[.,]\d+)?)\s*[xX*]\s*)?([0-9][0-9.,]*)$`)
	genericTotalRe = regexp.MustCompile(`(?i)TOTAL[:\s]*([0-9][0-9.,]*)`)
	genericDateRe  = regexp.MustCompile(`(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`)
)

// TemplateExtractor runs a merchant's extraction template over raw OCR
// text.
type TemplateExtractor struct {
	defaultCurrency string
}

func NewTemplateExtractor(defaultCurrency string) *TemplateExtractor {
	return &TemplateExtractor{defaultCurrency: defaultCurrency}
}

// Extract applies the signature's template. Lines that match no item
// pattern are skipped; a line is consumed by the first pattern that
// matches it. Items missing a name or an unparsable price are dropped
// rather than failing the whole pass.
func (e *TemplateExtractor) Extract(rawText string, sig *models.MerchantSignature) (*models.ExtractionResult, error) {
	tpl := &sig.Template
	res := &models.ExtractionResult{
		MerchantID: sig.MerchantID,
		Currency:   tpl.Currency,
		Source:     models.SourceLocal,
	}
	if res.Currency == "" {
		res.Currency = e.defaultCurrency
	}

	itemRes := make([]*regexp.Regexp, 0, len(tpl.ItemPatterns))
	for i, p := range tpl.ItemPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("item pattern %d: %w", i, err)
		}
		itemRes = append(itemRes, re)
	}

	// Scalar patterns double as line filters: a line carrying the
	// total is never an item, however item-shaped it looks.
	scalarRes := make([]*regexp.Regexp, 0, 3)
	for _, p := range []string{tpl.TotalPattern, tpl.SubtotalPattern, tpl.TaxPattern} {
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			scalarRes = append(scalarRes, re)
		}
	}

lines:
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range scalarRes {
			if re.MatchString(line) {
				continue lines
			}
		}
		for _, re := range itemRes {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if item, ok := itemFromMatch(re, m); ok {
				res.Items = append(res.Items, item)
			}
			break
		}
	}

	if v, ok := findAmount(rawText, tpl.TotalPattern); ok {
		res.Total = &v
	}
	if v, ok := findAmount(rawText, tpl.SubtotalPattern); ok {
		res.Subtotal = &v
	}
	if v, ok := findAmount(rawText, tpl.TaxPattern); ok {
		res.Tax = &v
	}
	if tpl.DatePattern != "" {
		if re, err := regexp.Compile(tpl.DatePattern); err == nil {
			if m := re.FindStringSubmatch(rawText); len(m) > 1 {
				res.Date = m[1]
			}
		}
	}
	return res, nil
}

func itemFromMatch(re *regexp.Regexp, m []string) (models.ReceiptItem, bool) {
	var item models.ReceiptItem
	name := group(re, m, "name")
	priceStr := group(re, m, "price")
	if strings.TrimSpace(name) == "" || priceStr == "" {
		return item, false
	}
	price, err := ParsePrice(priceStr)
	if err != nil {
		return item, false
	}
	qty := ParseQuantity(group(re, m, "qty"))
	item.RawName = strings.TrimSpace(name)
	item.UnitPrice = price
	item.Quantity = qty
	item.LineTotal = price.Mul(qty)
	return item, true
}

func group(re *regexp.Regexp, m []string, name string) string {
	idx := re.SubexpIndex(name)
	if idx < 0 || idx >= len(m) {
		return ""
	}
	return m[idx]
}

// ExtractGeneric is the no-template pass: common item line shapes and a
// TOTAL keyword. It produces a hint for the AI prompt and a baseline
// for learning, never an accepted result on its own.
func (e *TemplateExtractor) ExtractGeneric(rawText string) *models.ExtractionResult {
	res := &models.ExtractionResult{
		Currency: e.defaultCurrency,
		Source:   models.SourceLocal,
	}
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || genericTotalRe.MatchString(line) {
			continue
		}
		m := genericItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		price, err := ParsePrice(m[3])
		if err != nil {
			continue
		}
		qty := ParseQuantity(m[2])
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		res.Items = append(res.Items, models.ReceiptItem{
			RawName:   name,
			Quantity:  qty,
			UnitPrice: price,
			LineTotal: price.Mul(qty),
		})
	}
	if m := genericTotalRe.FindStringSubmatch(rawText); len(m) > 1 {
		if v, err := ParsePrice(m[1]); err == nil {
			res.Total = &v
		}
	}
	if m := genericDateRe.FindStringSubmatch(rawText); len(m) > 1 {
		res.Date = m[1]
	}
	return res
}

func findAmount(rawText, pattern string) (decimal.Decimal, bool) {
	if pattern == "" {
		return decimal.Zero, false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return decimal.Zero, false
	}
	m := re.FindStringSubmatch(rawText)
	if len(m) < 2 {
		return decimal.Zero, false
	}
	parsed, err := ParsePrice(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	return parsed, true
}
