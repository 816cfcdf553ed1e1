package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which extraction path produced a result.
type Source string

const (
	SourceLocal      Source = "local"
	SourceAIFallback Source = "ai_fallback"
)

// ReceiptItem is a single line item as read off the receipt, before
// any normalization against the master catalog.
type ReceiptItem struct {
	RawName   string          `json:"rawName"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// ExtractionResult is the structured output of one extraction pass,
// either local template matching or the AI fallback.
type ExtractionResult struct {
	MerchantID string           `json:"merchantId,omitempty"`
	Items      []ReceiptItem    `json:"items"`
	Subtotal   *decimal.Decimal `json:"subtotal,omitempty"`
	Tax        *decimal.Decimal `json:"tax,omitempty"`
	Total      *decimal.Decimal `json:"total,omitempty"`
	Date       string           `json:"date,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Confidence float64          `json:"confidence"`
	Source     Source           `json:"source"`
}

// ItemSum adds up the line totals of all items.
func (r *ExtractionResult) ItemSum() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range r.Items {
		sum = sum.Add(it.LineTotal)
	}
	return sum
}

// CanonicalItem is a receipt line after product normalization.
type CanonicalItem struct {
	RawName        string          `json:"rawName"`
	ProductID      string          `json:"productId,omitempty"`
	NormalizedName string          `json:"normalizedName,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	LineTotal      decimal.Decimal `json:"lineTotal"`
	Confidence     float64         `json:"confidence"`
	MatchMethod    string          `json:"matchMethod"`
	NeedsReview    bool            `json:"needsReview"`
	Suggestions    []Suggestion    `json:"suggestions,omitempty"`
}

// CanonicalReceiptResult is the final pipeline output for one image.
type CanonicalReceiptResult struct {
	ReceiptID   string           `json:"receiptId"`
	MerchantID  string           `json:"merchantId,omitempty"`
	Items       []CanonicalItem  `json:"items"`
	Subtotal    *decimal.Decimal `json:"subtotal,omitempty"`
	Tax         *decimal.Decimal `json:"tax,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	Date        string           `json:"date,omitempty"`
	Currency    string           `json:"currency"`
	Source      Source           `json:"source"`
	Confidence  float64          `json:"confidence"`
	NeedsReview bool             `json:"needsReview"`
	RawText     string           `json:"rawText,omitempty"`
	ImagePath   string           `json:"imagePath,omitempty"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// ProcessResponse wraps a pipeline result for the HTTP API.
type ProcessResponse struct {
	Success bool                    `json:"success"`
	Receipt *CanonicalReceiptResult `json:"receipt,omitempty"`
	Error   string                  `json:"error,omitempty"`

	OCRDuration   float64 `json:"ocrDuration,omitempty"`
	AIDuration    float64 `json:"aiDuration,omitempty"`
	TotalDuration float64 `json:"totalDuration"`
}
