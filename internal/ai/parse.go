package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sombapp/receipt-service/internal/models"
)

// Confidence assigned to validated AI results. The model sees the
// actual image, so it outranks any local score below the accept
// threshold.
const aiConfidence = 0.9

// parseResponse validates the model output against the expected schema
// and converts it into an ExtractionResult. Any violation is a
// malformed_response failure: retrying the same request will not fix a
// model that answered off-schema.
func parseResponse(response, defaultCurrency string) (*models.ExtractionResult, error) {
	// Clean response (remove markdown code blocks if present)
	cleaned := strings.TrimSpace(response)
	backticks := string([]byte{96, 96, 96})
	cleaned = strings.ReplaceAll(cleaned, backticks+"json", "")
	cleaned = strings.ReplaceAll(cleaned, backticks, "")
	cleaned = strings.TrimSpace(cleaned)

	// interface{} for amount fields: models return numbers, quoted
	// numbers and strings with separators interchangeably.
	var raw struct {
		Merchant string      `json:"merchant"`
		Date     string      `json:"date"`
		Currency string      `json:"currency"`
		Subtotal interface{} `json:"subtotal"`
		Tax      interface{} `json:"tax"`
		Total    interface{} `json:"total"`
		Items    []struct {
			Name  string      `json:"name"`
			Qty   interface{} `json:"qty"`
			Price interface{} `json:"price"`
			Total interface{} `json:"total"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, &models.FallbackFailure{
			Reason: models.ReasonMalformedResponse,
			Err:    fmt.Errorf("JSON parse error: %w", err),
		}
	}

	total, ok := parseAmount(raw.Total)
	if !ok {
		return nil, &models.FallbackFailure{
			Reason: models.ReasonMalformedResponse,
			Err:    fmt.Errorf("response has no usable total"),
		}
	}
	if total.IsNegative() {
		return nil, &models.FallbackFailure{
			Reason: models.ReasonMalformedResponse,
			Err:    fmt.Errorf("negative total %s", total),
		}
	}

	res := &models.ExtractionResult{
		MerchantID: strings.TrimSpace(raw.Merchant),
		Date:       strings.TrimSpace(raw.Date),
		Currency:   strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Total:      &total,
		Source:     models.SourceAIFallback,
		Confidence: aiConfidence,
	}
	if res.Currency == "" {
		res.Currency = defaultCurrency
	}
	if v, ok := parseAmount(raw.Subtotal); ok {
		res.Subtotal = &v
	}
	if v, ok := parseAmount(raw.Tax); ok {
		res.Tax = &v
	}

	for _, it := range raw.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		price, ok := parseAmount(it.Price)
		if !ok {
			continue
		}
		if price.IsNegative() {
			return nil, &models.FallbackFailure{
				Reason: models.ReasonMalformedResponse,
				Err:    fmt.Errorf("negative price for item %q", name),
			}
		}
		qty, ok := parseAmount(it.Qty)
		if !ok || qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		lineTotal, ok := parseAmount(it.Total)
		if !ok || lineTotal.IsZero() {
			lineTotal = price.Mul(qty)
		}
		res.Items = append(res.Items, models.ReceiptItem{
			RawName:   name,
			Quantity:  qty,
			UnitPrice: price,
			LineTotal: lineTotal,
		})
	}
	return res, nil
}

// parseAmount accepts float64, json string (with comma or dot
// separators) or json.Number. Returns false for null or garbage.
func parseAmount(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		cleaned := strings.TrimSpace(val)
		if cleaned == "" || strings.EqualFold(cleaned, "null") {
			return decimal.Zero, false
		}
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		if strings.Contains(cleaned, ",") && !strings.Contains(cleaned, ".") {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}
