package ai

import (
	"fmt"
	"strings"
)

const promptHeader = `You are a receipt data extraction system. Analyze the receipt image and return ONLY a JSON object, no markdown, no explanations.

JSON structure:
{
  "merchant": "store name as printed",
  "date": "date as printed, or null",
  "currency": "ISO currency code, default CDF",
  "items": [
    {"name": "item name as printed", "qty": 1, "price": 0.0, "total": 0.0}
  ],
  "subtotal": 0.0,
  "tax": 0.0,
  "total": 0.0
}

Rules:
- "total" is required. Read it from the receipt, do not invent it.
- Keep item names exactly as printed, including abbreviations.
- Prices use a dot as decimal separator in the JSON, whatever the receipt uses.
- Use null for fields not present on the receipt.
- Receipts may be in French or English.`

// BuildPrompt assembles the extraction prompt. The OCR text, when
// available, is attached as a hint so the model can cross-check its own
// reading of the image.
func BuildPrompt(ocrText string) string {
	if strings.TrimSpace(ocrText) == "" {
		return promptHeader
	}
	return fmt.Sprintf("%s\n\nOCR text from the same image (may contain errors):\n%s", promptHeader, ocrText)
}
